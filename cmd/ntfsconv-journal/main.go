// Command ntfsconv-journal lists, inspects, and clears ntfsconv's
// per-device journal files outside of a conversion run — useful after a
// crash to see what a resumed run would pick up, or to discard a stale
// record for a device that was reformatted by other means.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/LewisTansley/ntfsconv/pkg/journal"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

func journalDevice(s string) types.Device { return types.Device(s) }

var (
	dataDir = flag.String("data-dir", "", "journal directory (default: ~/.ntfsconv)")
	list    = flag.Bool("list", false, "list devices with a journal record")
	show    = flag.String("show", "", "print the journal record for a device")
	clear   = flag.String("clear", "", "remove the journal record for a device")
	dryRun  = flag.Bool("dry-run", false, "with -clear, report what would be removed without removing it")
)

func main() {
	flag.Parse()

	log.SetFlags(0)
	log.Println("ntfsconv journal inspector")
	log.Println("==========================")

	dir := *dataDir
	if dir == "" {
		d, err := journal.DefaultDir()
		if err != nil {
			log.Fatalf("resolving default journal directory: %v", err)
		}
		dir = d
	}
	log.Printf("Journal directory: %s", dir)

	store, err := journal.New(dir)
	if err != nil {
		log.Fatalf("opening journal directory: %v", err)
	}

	switch {
	case *clear != "":
		runClear(store, *clear, *dryRun)
	case *show != "":
		runShow(store, *show)
	case *list:
		runList(store)
	default:
		log.Println("no action given; use -list, -show=<device>, or -clear=<device>")
		flag.Usage()
		os.Exit(1)
	}
}

func runList(store *journal.Store) {
	devices, err := store.Enumerate()
	if err != nil {
		log.Fatalf("listing journal records: %v", err)
	}
	if len(devices) == 0 {
		log.Println("No journal records found.")
		return
	}
	log.Printf("Found %d journal record(s):", len(devices))
	for _, d := range devices {
		state, err := store.Load(d)
		if err != nil {
			log.Printf("  %s: unreadable: %v", d, err)
			continue
		}
		log.Printf("  %s: iteration=%d last_operation=%s files_migrated=%d updated=%s",
			d, state.Iteration, state.LastOperation, state.FilesMigratedTotal, state.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}

func runShow(store *journal.Store, device string) {
	if !store.Exists(journalDevice(device)) {
		log.Fatalf("no journal record for %s", device)
	}
	state, err := store.Load(journalDevice(device))
	if err != nil {
		log.Fatalf("loading journal record for %s: %v", device, err)
	}

	log.Printf("Device:               %s", state.Device)
	log.Printf("Target kind:          %s", state.TargetKind)
	log.Printf("Source partition:     %+v", state.SourcePartition)
	log.Printf("Target partition:     %+v", state.TargetPartition)
	log.Printf("Use existing target:  %v", state.UseExistingTarget)
	log.Printf("Iteration:            %d", state.Iteration)
	log.Printf("Last operation:       %s", state.LastOperation)
	log.Printf("Files migrated total: %d", state.FilesMigratedTotal)
	log.Printf("Updated at:           %s", state.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))

	if state.LastOperation != "complete" {
		fmt.Println("\nA run against this device would resume from the checkpoint above.")
	}
}

func runClear(store *journal.Store, device string, dryRun bool) {
	d := journalDevice(device)
	if !store.Exists(d) {
		log.Printf("no journal record for %s; nothing to do", device)
		return
	}

	if dryRun {
		log.Printf("[dry-run] would clear journal record for %s", device)
		return
	}

	if err := store.Clear(d); err != nil {
		log.Fatalf("clearing journal record for %s: %v", device, err)
	}
	log.Printf("✓ Cleared journal record for %s", device)
}
