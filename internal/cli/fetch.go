package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/hsipatch/internal/export"
	"github.com/kilupskalvis/hsipatch/internal/fetch"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <dir>",
	Short: "Download scene archives from object storage",
	Long: `Download scene archives from an S3-compatible bucket into a local
directory. Files that already exist are skipped. Objects that fail to
download are reported and can be written to a CSV file for a later retry.

Credentials are read from HSIPATCH_ACCESS_KEY and HSIPATCH_SECRET_KEY.

Examples:
  hsipatch fetch data/archives                     Everything under [fetch] prefix
  hsipatch fetch --prefix L2A/2023 data/archives   A sub-tree
  hsipatch fetch --objects @todo.csv data/archives Explicit object keys`,
	Args: cobra.ExactArgs(1),
	Run:  runFetch,
}

var (
	fetchEndpoint    string
	fetchBucket      string
	fetchPrefix      string
	fetchSuffix      string
	fetchObjects     string
	fetchSkippedCSV  string
	fetchConcurrency int
	fetchRetries     int
	fetchInsecure    bool
)

func init() {
	fs := fetchCmd.Flags()
	fs.StringVar(&fetchEndpoint, "endpoint", "", "Object storage endpoint (host:port)")
	fs.StringVar(&fetchBucket, "bucket", "", "Bucket name")
	fs.StringVar(&fetchPrefix, "prefix", "", "Object key prefix")
	fs.StringVar(&fetchSuffix, "suffix", "", "Only fetch keys ending in this suffix")
	fs.StringVar(&fetchObjects, "objects", "", "CSV file (prefixed with @) listing object keys to fetch")
	fs.StringVar(&fetchSkippedCSV, "skipped-csv", "", "Write failed objects to this CSV file")
	fs.IntVarP(&fetchConcurrency, "jobs", "j", 0, "Parallel downloads")
	fs.IntVar(&fetchRetries, "retries", fetch.DefaultRetryPolicy().Retries, "Retries per object after a transient failure")
	fs.BoolVar(&fetchInsecure, "insecure", false, "Use plain HTTP")
}

func runFetch(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	cfg := &c.Config.Fetch
	fs := cmd.Flags()
	if fs.Changed("endpoint") {
		cfg.Endpoint = fetchEndpoint
	}
	if fs.Changed("bucket") {
		cfg.Bucket = fetchBucket
	}
	if fs.Changed("prefix") {
		cfg.Prefix = fetchPrefix
	}
	if fs.Changed("suffix") {
		cfg.Suffix = fetchSuffix
	}
	if fs.Changed("jobs") {
		cfg.Concurrency = fetchConcurrency
	}
	if fetchInsecure {
		cfg.Secure = false
	}

	var objects []string
	if fetchObjects != "" {
		path := fetchObjects
		if path[0] == '@' {
			path = path[1:]
		}
		var err error
		if objects, err = export.ReadColumnFile(path); err != nil {
			exitError("%v", err)
		}
	}

	client, err := fetch.NewClient(c.Config.FetchOptions())
	if err != nil {
		exitError("%v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Fetching from %s\n", fetch.Link(cfg.Bucket, cfg.Prefix))
	policy := fetch.DefaultRetryPolicy()
	policy.Retries = fetchRetries
	res, err := fetch.NewDownloader(fetch.NewRetryStore(client, policy, c.Logger), c.Logger).Fetch(ctx, fetch.Request{
		Bucket:      cfg.Bucket,
		Objects:     objects,
		Prefix:      cfg.Prefix,
		Suffix:      cfg.Suffix,
		Dir:         args[0],
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		exitError("fetch failed: %v", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	green.Printf("Downloaded %d objects", len(res.Downloaded))
	fmt.Printf(" (%d already present)\n", len(res.Existing))

	if len(res.Skipped) == 0 {
		return
	}
	red.Printf("%d objects failed\n", len(res.Skipped))
	for _, link := range res.Skipped {
		fmt.Printf("  %s\n", link)
	}
	if fetchSkippedCSV != "" {
		if err := export.WriteColumnFile(fetchSkippedCSV, export.SkippedColumn, res.Skipped); err != nil {
			exitError("%v", err)
		}
		fmt.Printf("Skipped objects written to %s\n", fetchSkippedCSV)
	}
}
