package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kcx-hq/kcx-01-sub007/internal/aggregation"
	"github.com/kcx-hq/kcx-01-sub007/internal/analytics"
	"github.com/kcx-hq/kcx-01-sub007/internal/anomaly"
	"github.com/kcx-hq/kcx-01-sub007/internal/drivers"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/internal/memstore"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDriversCmd() *cobra.Command {
	var currentPath, previousPath string
	cmd := &cobra.Command{
		Use:   "drivers",
		Short: "Compare two {name: cost} JSON files period over period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			current, err := readCostMap(currentPath)
			if err != nil {
				return err
			}
			previous, err := readCostMap(previousPath)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), drivers.CompareMaps(current, previous))
		},
	}
	cmd.Flags().StringVar(&currentPath, "current", "", "JSON file with current period costs")
	cmd.Flags().StringVar(&previousPath, "previous", "", "JSON file with previous period costs")
	_ = cmd.MarkFlagRequired("current")
	_ = cmd.MarkFlagRequired("previous")
	return cmd
}

func readCostMap(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return m, nil
}

func newAnomaliesCmd() *cobra.Command {
	var sigma float64
	cmd := &cobra.Command{
		Use:   "anomalies <value>...",
		Short: "Flag values above mean + sigma * stddev",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			series := make([]float64, len(args))
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("value %d: %w", i, err)
				}
				series[i] = v
			}
			return writeJSON(cmd.OutOrStdout(), anomaly.Detect(series, sigma))
		},
	}
	cmd.Flags().Float64Var(&sigma, "sigma", formula.DefaultSigma, "standard deviations above the mean")
	return cmd
}

func newDriftCmd() *cobra.Command {
	var baseline, current, threshold float64
	var sku string
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Evaluate unit-price drift between two prices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), anomaly.EvaluateDrift(sku, baseline, current, threshold))
		},
	}
	cmd.Flags().Float64Var(&baseline, "baseline", 0, "baseline unit price")
	cmd.Flags().Float64Var(&current, "current", 0, "current unit price")
	cmd.Flags().Float64Var(&threshold, "threshold", anomaly.DefaultDriftThresholdPct, "drift threshold in percent")
	cmd.Flags().StringVar(&sku, "sku", "", "sku label for the output")
	_ = cmd.MarkFlagRequired("baseline")
	_ = cmd.MarkFlagRequired("current")
	return cmd
}

type reportOptions struct {
	sample   bool
	dataset  string
	client   string
	from, to string
	groupBy  string
}

func newReportCmd() *cobra.Command {
	var opts reportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a full analytics report from a JSON dataset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.sample, "sample", false, "use the built-in sample dataset")
	cmd.Flags().StringVar(&opts.dataset, "dataset", "", "JSON dataset file")
	cmd.Flags().StringVar(&opts.client, "client", memstore.SampleClient, "tenant whose uploads are analysed")
	cmd.Flags().StringVar(&opts.from, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.to, "to", "", "last day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.groupBy, "group-by", "ServiceName", "breakdown dimension")
	cmd.MarkFlagsMutuallyExclusive("sample", "dataset")
	return cmd
}

func runReport(cmd *cobra.Command, opts reportOptions) error {
	var data memstore.Dataset
	switch {
	case opts.sample:
		data = memstore.SampleDataset()
		if opts.from == "" && opts.to == "" {
			opts.from = memstore.SampleStart.AddDate(0, 0, 7).Format(time.DateOnly)
			opts.to = memstore.SampleStart.AddDate(0, 0, 13).Format(time.DateOnly)
		}
	case opts.dataset != "":
		var err error
		if data, err = memstore.ReadDataset(opts.dataset); err != nil {
			return err
		}
	default:
		return errors.New("one of --sample or --dataset is required")
	}

	w, err := parseWindow(opts.from, opts.to)
	if err != nil {
		return err
	}

	store := memstore.New(data)
	engine := analytics.NewEngine(
		filter.NewResolver(store),
		aggregation.NewPipeline(store, nil),
		names.NewResolver(store, nil, 0, nil),
		analytics.DefaultSettings(),
		nil,
	)
	report, err := engine.GenerateReport(cmd.Context(), analytics.Query{
		Filter:  filter.Request{UploadIDs: store.UploadIDsForClient(opts.client)},
		GroupBy: models.ParseDimension(opts.groupBy),
		Window:  w,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), report)
}

func parseWindow(from, to string) (period.Window, error) {
	if from == "" && to == "" {
		return period.Window{}, nil
	}
	if from == "" || to == "" {
		return period.Window{}, errors.New("--from and --to must be given together")
	}
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return period.Window{}, fmt.Errorf("invalid --from: %w", err)
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return period.Window{}, fmt.Errorf("invalid --to: %w", err)
	}
	return period.FromRange(start, end)
}
