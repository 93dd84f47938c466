// cmd/edgewatch-snapshot/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"edgewatch/internal/database"
	"edgewatch/internal/explorer"
	"edgewatch/internal/monitoring"
	"gopkg.in/yaml.v3"
)

// Report is the YAML document written by the tool.
type Report struct {
	Source    string         `yaml:"source"`
	FetchedAt time.Time      `yaml:"fetched_at"`
	Observed  int            `yaml:"observed"`
	Online    int            `yaml:"online"`
	Stargates map[string]int `yaml:"stargates"`
	Hosts     []ReportHost   `yaml:"hosts,omitempty"`
	DryRun    *DryRunSummary `yaml:"dry_run,omitempty"`
}

type ReportHost struct {
	DeviceID string `yaml:"device_id"`
	HostName string `yaml:"host_name"`
	Stargate string `yaml:"stargate"`
	Location string `yaml:"location"`
	Arch     string `yaml:"arch"`
	Status   string `yaml:"status"`
}

// DryRunSummary is what a poll cycle would do against the given registry.
type DryRunSummary struct {
	Registry      int      `yaml:"registry_hosts"`
	Bootstrap     bool     `yaml:"bootstrap"`
	Anomaly       string   `yaml:"anomaly,omitempty"`
	Refresh       int      `yaml:"refresh"`
	InsertPending []string `yaml:"insert_pending,omitempty"`
	InsertOnline  []string `yaml:"insert_online,omitempty"`
	ConfirmOnline []string `yaml:"confirm_online,omitempty"`
	Events        []string `yaml:"events,omitempty"`
	Duplicates    []string `yaml:"duplicates,omitempty"`
}

func main() {
	var (
		url       = flag.String("url", explorer.DefaultURL, "Explorer page to fetch")
		htmlFile  = flag.String("html", "", "Use a saved explorer page instead of fetching")
		dbPath    = flag.String("db", "", "Registry database to classify the snapshot against (read only)")
		dbType    = flag.String("dbtype", database.BackendBolt, "Registry backend: boltdb or sqlite")
		output    = flag.String("output", "-", "Output file, - for stdout")
		threshold = flag.Int("threshold", 5, "Anomaly threshold for the dry run")
		listHosts = flag.Bool("hosts", false, "Include every observed host in the report")
		timeout   = flag.Duration("timeout", 20*time.Second, "Fetch timeout")
	)
	flag.Parse()

	ctx := context.Background()

	var (
		snapshot []explorer.Observation
		source   string
		err      error
	)
	if *htmlFile != "" {
		source = *htmlFile
		snapshot, err = readSnapshot(*htmlFile)
	} else {
		source = *url
		snapshot, err = explorer.NewClient(*url, *timeout, "edgewatch-snapshot/1.0").Fetch(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to read snapshot: %v", err)
	}

	now := time.Now()
	report := buildReport(source, now, snapshot, *listHosts)

	if *dbPath != "" {
		store, err := database.Open(*dbType, *dbPath)
		if err != nil {
			log.Fatalf("Failed to open registry: %v", err)
		}
		current, err := store.All(ctx)
		store.Close()
		if err != nil {
			log.Fatalf("Failed to read registry: %v", err)
		}
		report.DryRun = dryRun(snapshot, current, now, *threshold)
	}

	if err := writeReport(report, *output); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
}

func readSnapshot(path string) ([]explorer.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return explorer.ParseHosts(f)
}

func buildReport(source string, fetchedAt time.Time, snapshot []explorer.Observation, listHosts bool) *Report {
	report := &Report{
		Source:    source,
		FetchedAt: fetchedAt.UTC(),
		Observed:  len(snapshot),
		Stargates: make(map[string]int),
	}
	for _, o := range snapshot {
		if o.Online() {
			report.Online++
		}
		report.Stargates[o.Stargate]++
		if listHosts {
			report.Hosts = append(report.Hosts, ReportHost{
				DeviceID: o.DeviceID,
				HostName: o.HostName,
				Stargate: o.Stargate,
				Location: o.Location,
				Arch:     o.Arch,
				Status:   o.Status,
			})
		}
	}
	sort.Slice(report.Hosts, func(i, j int) bool {
		return report.Hosts[i].DeviceID < report.Hosts[j].DeviceID
	})
	return report
}

func dryRun(snapshot []explorer.Observation, current []database.Host, now time.Time, threshold int) *DryRunSummary {
	decision := monitoring.Classify(snapshot, current, now, monitoring.ClassifyOptions{
		AnomalyThreshold: threshold,
		SilentBootstrap:  true,
	})

	summary := &DryRunSummary{
		Registry:   len(current),
		Bootstrap:  decision.Bootstrap,
		Duplicates: decision.Duplicates,
	}
	if decision.Anomaly != nil {
		summary.Anomaly = decision.Anomaly.String()
	}

	plan := decision.Plan
	summary.Refresh = len(plan.Refresh)
	summary.InsertPending = deviceIDs(plan.InsertPending)
	summary.InsertOnline = deviceIDs(plan.InsertOnline)
	summary.ConfirmOnline = plan.ConfirmOnline
	for _, e := range decision.Events {
		summary.Events = append(summary.Events, fmt.Sprintf("%s %s", e.Kind, e.DeviceID))
	}
	return summary
}

func deviceIDs(hosts []database.Host) []string {
	ids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ids = append(ids, h.DeviceID)
	}
	return ids
}

func writeReport(report *Report, filename string) error {
	var w io.Writer = os.Stdout
	if filename != "-" {
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(report); err != nil {
		return err
	}
	return encoder.Close()
}
