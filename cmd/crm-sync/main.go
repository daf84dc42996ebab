package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mmdatafocus/crmsync_backend/attio"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/mmdatafocus/crmsync_backend/salesforce"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/syncservice"
	"github.com/mmdatafocus/crmsync_backend/transform"
	"github.com/mmdatafocus/crmsync_backend/utils"
	"github.com/sirupsen/logrus"
)

const usage = `usage: crm-sync <command> [flags]

commands:
  sync       run a sync now
  check      verify the Attio and Salesforce credentials
  config     print the effective configuration
  history    list recent sync runs
  conflicts  list pending conflicts or resolve one
  bulk       upsert changed source records through the Salesforce Bulk API
  hash-key   print the bcrypt hash of an API key for API_KEY_HASH
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.GetLogger()
	if config.EnvBool("VERBOSE", false) {
		logger.SetLevel(logrus.DebugLevel)
	}
	settings := config.LoadSettings()

	var err error
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "sync":
		err = runSync(ctx, settings, logger, args)
	case "check":
		err = runCheck(ctx, settings, args)
	case "config":
		err = printJSON(settings.Redacted())
	case "history":
		err = runHistory(ctx, settings, logger, args)
	case "conflicts":
		err = runConflicts(ctx, settings, logger, args)
	case "bulk":
		err = runBulk(ctx, settings, logger, args)
	case "hash-key":
		err = runHashKey(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

type app struct {
	attio    *attio.Client
	sf       *salesforce.Client
	backends *syncservice.Backends
	svc      *syncservice.Service
}

// open builds the same service the HTTP binary runs. A dry run reads both systems, logs
// every write instead of sending it, and keeps ids and cursors in memory.
func open(ctx context.Context, settings *config.Settings, logger *logrus.Logger, dryRun bool) (*app, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	set, err := settings.Mappings()
	if err != nil {
		return nil, err
	}
	a := &app{}
	if a.attio, err = attio.NewClient(settings.AttioConfig()); err != nil {
		return nil, err
	}
	if a.sf, err = salesforce.NewClient(settings.SalesforceConfig()); err != nil {
		return nil, err
	}
	if dryRun {
		a.backends = &syncservice.Backends{
			Storage: storage.NewMemoryStore(),
			Events:  storage.NewMemoryEventLog(),
		}
	} else if a.backends, err = syncservice.OpenBackends(ctx, settings, logger); err != nil {
		return nil, err
	}

	clients := syncservice.NewClients(set, a.attio, a.sf)
	if dryRun {
		for object, c := range clients {
			clients[object] = remote.NewDryRun(c, logger)
		}
	}
	engine, err := syncservice.NewEngine(settings, set, clients, a.backends, logger)
	if err != nil {
		a.backends.Close()
		return nil, err
	}
	a.svc = syncservice.NewService(syncservice.Options{
		Engine:  engine,
		Store:   a.backends.Storage,
		Clients: clients,
		Logger:  logger,
	})
	return a, nil
}

// openStore connects only the storage backend, for the read-only commands.
func openStore(ctx context.Context, settings *config.Settings, logger *logrus.Logger) (*syncservice.Backends, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return syncservice.OpenBackends(ctx, settings, logger)
}

func runSync(ctx context.Context, settings *config.Settings, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	direction := fs.String("direction", "", "bidirectional, attio_to_sf or sf_to_attio (default: SYNC_DIRECTION)")
	objects := fs.String("objects", "", "comma separated objects to sync, either side of a mapping (default: all enabled)")
	full := fs.Bool("full", false, "ignore stored cursors and read every record")
	dryRun := fs.Bool("dry-run", false, "log writes instead of sending them")
	_ = fs.Parse(args)

	req := syncservice.RunRequest{
		Objects:     utils.SplitList(*objects),
		Full:        *full,
		TriggeredBy: models.SyncTriggeredCommand,
	}
	if strings.TrimSpace(*direction) != "" {
		d, err := mapping.ParseDirection(*direction)
		if err != nil {
			return err
		}
		req.Direction = d
	}

	a, err := open(ctx, settings, logger, *dryRun)
	if err != nil {
		return err
	}
	defer a.backends.Close()

	h, total, err := a.svc.Run(ctx, req)
	if err != nil {
		return err
	}
	out := map[string]any{"run": h, "dry_run": *dryRun}
	if total != nil {
		out["success_rate"] = total.Batch().SuccessRate()
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if h.Status == models.SyncRunStatusFailed {
		return errors.New("sync failed")
	}
	return nil
}

func runCheck(ctx context.Context, settings *config.Settings, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	attioOnly := fs.Bool("attio-only", false, "check Attio only")
	sfOnly := fs.Bool("sf-only", false, "check Salesforce only")
	_ = fs.Parse(args)
	if *attioOnly && *sfOnly {
		return errors.New("--attio-only and --sf-only are mutually exclusive")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var failed bool
	if !*sfOnly {
		if err := checkAttio(ctx, settings); err != nil {
			fmt.Printf("attio: FAILED: %v\n", err)
			failed = true
		}
	}
	if !*attioOnly {
		if err := checkSalesforce(ctx, settings); err != nil {
			fmt.Printf("salesforce: FAILED: %v\n", err)
			failed = true
		}
	}
	if failed {
		return errors.New("connection check failed")
	}
	return nil
}

func checkAttio(ctx context.Context, settings *config.Settings) error {
	if settings.AttioAPIKey == "" {
		return errors.New("ATTIO_API_KEY is not set")
	}
	client, err := attio.NewClient(settings.AttioConfig())
	if err != nil {
		return err
	}
	objects, err := client.ListObjects(ctx)
	if err != nil {
		return err
	}
	slugs := make([]string, 0, len(objects))
	for _, o := range objects {
		slugs = append(slugs, o.APISlug)
	}
	fmt.Printf("attio: ok (%d objects: %s)\n", len(objects), strings.Join(slugs, ", "))
	return nil
}

func checkSalesforce(ctx context.Context, settings *config.Settings) error {
	if settings.SFClientID == "" || settings.SFClientSecret == "" {
		return errors.New("SF_CLIENT_ID and SF_CLIENT_SECRET are required")
	}
	client, err := salesforce.NewClient(settings.SalesforceConfig())
	if err != nil {
		return err
	}
	if _, err := client.Query(ctx, "SELECT Id FROM Account LIMIT 1", false); err != nil {
		return err
	}
	fmt.Printf("salesforce: ok (%s)\n", settings.SFInstanceURL)
	return nil
}

func runHistory(ctx context.Context, settings *config.Settings, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 10, "number of runs to show")
	_ = fs.Parse(args)

	b, err := openStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	hist, err := b.Storage.ListSyncHistory(ctx, *limit)
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		fmt.Println("no sync runs recorded")
		return nil
	}
	for _, h := range hist {
		fmt.Printf("%s  %-8s %-14s %-5s processed=%d created=%d updated=%d conflicts=%d errors=%d (%s)  %s\n",
			h.StartedAt.Format(time.RFC3339), h.Status, h.Direction, h.TriggeredBy,
			h.Processed, h.Created, h.Updated, h.Conflicted, h.Errored,
			h.Duration().Round(time.Millisecond), strings.Join(h.Objects, ","))
	}
	return nil
}

func runConflicts(ctx context.Context, settings *config.Settings, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("conflicts", flag.ExitOnError)
	resolve := fs.String("resolve", "", "id of the conflict to resolve")
	decision := fs.String("decision", "", "use_source, use_target, merge or skip")
	_ = fs.Parse(args)

	if *resolve == "" {
		b, err := openStore(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		pending, err := b.Storage.ListConflicts(ctx, conflict.StatusPending, 0)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending conflicts")
			return nil
		}
		for _, c := range pending {
			fmt.Printf("%s  %s/%s <-> %s/%s  fields=%s  detected=%s\n",
				c.ID, c.SourceObject, c.SourceRecordID, c.TargetObject, c.TargetRecordID,
				strings.Join(c.Fields(), ","), c.DetectedAt.Format(time.RFC3339))
		}
		return nil
	}

	d, err := conflict.ParseDecision(*decision)
	if err != nil {
		return err
	}
	a, err := open(ctx, settings, logger, false)
	if err != nil {
		return err
	}
	defer a.backends.Close()
	if err := a.svc.Engine().ResolveConflict(ctx, *resolve, d); err != nil {
		return err
	}
	fmt.Printf("conflict %s resolved with %s\n", *resolve, d)
	return nil
}

// runBulk pushes the source records of one mapping changed within the window straight
// into Salesforce as a Bulk API 2.0 upsert keyed on an external id field holding the Attio
// record id. It bypasses id mappings and conflict detection, for initial loads.
func runBulk(ctx context.Context, settings *config.Settings, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("bulk", flag.ExitOnError)
	object := fs.String("object", "", "Attio object of the mapping to load, e.g. companies")
	externalID := fs.String("external-id-field", "Attio_Id__c", "Salesforce external id field holding the Attio record id")
	since := fs.String("since", "", "only records modified since this date (YYYY-MM-DD, default: lookback window)")
	poll := fs.Duration("poll", 5*time.Second, "job status poll interval")
	_ = fs.Parse(args)

	if strings.TrimSpace(*object) == "" {
		return errors.New("--object is required")
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	set, err := settings.Mappings()
	if err != nil {
		return err
	}
	m, ok := set.BySourceObject(*object)
	if !ok {
		return fmt.Errorf("no mapping for source object %q", *object)
	}

	from := time.Now().UTC().Add(-settings.Lookback())
	if strings.TrimSpace(*since) != "" {
		if from, err = time.Parse("2006-01-02", strings.TrimSpace(*since)); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}

	attioClient, err := attio.NewClient(settings.AttioConfig())
	if err != nil {
		return err
	}
	sfClient, err := salesforce.NewClient(settings.SalesforceConfig())
	if err != nil {
		return err
	}

	records, err := attioClient.Objects(m.SourceObject).ListChangedSince(ctx, from)
	if err != nil {
		return err
	}
	rows := make([]map[string]any, 0, len(records))
	var skipped int
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		row, err := transform.SourceToTarget(m, rec.Data)
		if err != nil {
			skipped++
			logger.WithFields(logrus.Fields{"object": m.SourceObject, "id": rec.ID}).Warn(err)
			continue
		}
		row[*externalID] = rec.ID
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		fmt.Printf("nothing to load (%d records read, %d skipped)\n", len(records), skipped)
		return nil
	}

	data, err := salesforce.BuildCSV(rows, nil)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"object":  m.TargetObject,
		"records": len(rows),
		"skipped": skipped,
		"since":   from.Format(time.RFC3339),
	}).Info("starting bulk upsert")
	job, err := sfClient.RunJob(ctx, salesforce.JobRequest{
		Object:              m.TargetObject,
		Operation:           salesforce.BulkUpsert,
		ExternalIDFieldName: *externalID,
	}, data, *poll)
	if job != nil {
		_ = printJSON(job)
	}
	return err
}

func runHashKey(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: crm-sync hash-key <api key>")
	}
	hash, err := utils.HashAPIKey(args[0])
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
