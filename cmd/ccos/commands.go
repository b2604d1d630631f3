package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/pkg/config"
	"github.com/Mindburn-Labs/ccos/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// runVerifyCmd implements `ccos verify`.
//
// Exit codes:
//
//	0 = ledger verified
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the summary as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	n, err := openNode(ctx, cfg, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if runtime.IsKind(err, runtime.KindIntegrity) {
			return 1
		}
		return 2
	}
	defer n.Close(ctx)

	summary, verr := n.chain.VerifyAndSummarize()
	if *jsonOutput {
		out := struct {
			causalchain.ChainSummary
			Error string `json:"error,omitempty"`
		}{ChainSummary: summary}
		if verr != nil {
			out.Error = verr.Error()
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if summary.Valid && verr == nil {
		_, _ = fmt.Fprintln(stdout, "Ledger verification PASSED")
		_, _ = fmt.Fprintf(stdout, "Actions: %d\n", summary.Count)
		_, _ = fmt.Fprintf(stdout, "Head:    %s\n", summary.ChainHead)
	} else {
		_, _ = fmt.Fprintln(stdout, "Ledger verification FAILED")
		if verr != nil {
			_, _ = fmt.Fprintf(stdout, "  - %v\n", verr)
		}
	}

	if !summary.Valid || verr != nil {
		return 1
	}
	return 0
}

func runCapabilitiesCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("capabilities", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		namespace  string
		jsonOutput bool
	)
	cmd.StringVar(&namespace, "namespace", "", "Only list capabilities in this namespace")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	n, err := openNode(ctx, cfg, true)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer n.Close(ctx)

	var caps []marketplace.PublicCapability
	for _, c := range n.market.PublicCapabilitiesSnapshot() {
		if namespace == "" || c.Namespace == namespace {
			caps = append(caps, c)
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(struct {
			Capabilities []marketplace.PublicCapability `json:"capabilities"`
			Aggregate    marketplace.CatalogAggregate   `json:"aggregate"`
		}{caps, n.market.Aggregate()}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAMESPACE\tPROVIDER\tVERSION")
	for _, c := range caps {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Namespace, c.ProviderType, c.Version)
	}
	_ = tw.Flush()
	return 0
}

func runExecCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("exec", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		id, rawArgs, planID, intentID string
		timeout                       time.Duration
	)
	cmd.StringVar(&id, "id", "", "Capability id (REQUIRED)")
	cmd.StringVar(&rawArgs, "args", "[]", "Arguments as a JSON array")
	cmd.StringVar(&planID, "plan", "", "Plan id recorded in the ledger")
	cmd.StringVar(&intentID, "intent", "", "Intent id recorded in the ledger")
	cmd.DurationVar(&timeout, "timeout", time.Minute, "Execution timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	decoded, err := runtime.FromJSON([]byte(rawArgs))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --args: %v\n", err)
		return 2
	}
	callArgs, ok := decoded.([]any)
	if !ok {
		_, _ = fmt.Fprintln(stderr, "Error: --args must be a JSON array")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := openNode(ctx, cfg, true)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer n.Close(context.Background())

	if planID == "" {
		planID = "plan-" + uuid.NewString()
	}
	if intentID == "" {
		intentID = planID
	}
	result, err := n.market.ExecuteCapability(marketplace.WithScope(ctx, planID, intentID), id, callArgs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, err := runtime.MarshalValue(result)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode result: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

// runExportCmd writes a signed export of ledger actions to the configured
// backend, or verifies a previous export with --verify.
func runExportCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var planID, intentID, verifyHash string
	cmd.StringVar(&planID, "plan", "", "Export only actions of this plan")
	cmd.StringVar(&intentID, "intent", "", "Export only actions of this intent")
	cmd.StringVar(&verifyHash, "verify", "", "Verify the export with this content hash")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	n, err := openNode(ctx, cfg, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer n.Close(ctx)

	store, err := openExportStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	exp := artifacts.NewExporter(store, n.signer, producerID())

	if verifyHash != "" {
		ok, reasons, err := exp.Verify(ctx, verifyHash)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if !ok {
			_, _ = fmt.Fprintln(stdout, "Export verification FAILED")
			for _, r := range reasons {
				_, _ = fmt.Fprintf(stdout, "  - %s\n", r)
			}
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "Export verification PASSED")
		return 0
	}

	scope := "all"
	var actions []*causalchain.Action
	switch {
	case planID != "":
		scope = "plan:" + planID
		actions = n.chain.ExportPlanActions(planID)
	case intentID != "":
		scope = "intent:" + intentID
		actions = n.chain.ExportIntentActions(intentID)
	default:
		actions = n.chain.ExportAllActions()
	}

	hash, err := exp.Export(ctx, scope, actions, n.chain.ChainHead())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d actions (%s)\n", len(actions), scope)
	_, _ = fmt.Fprintln(stdout, hash)
	return 0
}

func hasExportBackend(cfg *config.Config) bool {
	return cfg.ExportDir != "" || cfg.ExportS3Bucket != "" || cfg.ExportGCSBucket != ""
}

func openExportStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	return artifacts.NewStore(ctx, artifacts.Options{
		Dir:        cfg.ExportDir,
		S3Bucket:   cfg.ExportS3Bucket,
		S3Region:   cfg.ExportS3Region,
		S3Endpoint: cfg.ExportS3Endpoint,
		GCSBucket:  cfg.ExportGCSBucket,
		Prefix:     "ccos/exports/",
	})
}

func producerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ccos"
	}
	return "ccos@" + host
}
