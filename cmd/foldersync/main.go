package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	foldersync "github.com/notjoao1/folder-synchronization"
)

func main() {
	// sync settings
	source := pflag.StringP("source", "s", "", "Source directory that will be replicated into the replica directory")
	replica := pflag.StringP("replica", "r", "", "Replica directory to synchronize with the source directory")
	interval := pflag.IntP("interval", "i", 0, "Interval in seconds between synchronization passes")
	once := pflag.Bool("once", false, "Run a single synchronization pass and exit")
	archive := pflag.String("archive", "", "Archive replaced/deleted replica files into this directory (keep it outside the replica)")
	// performance settings
	parallel := pflag.Int("parallel", 16, "Number of parallel file IO operations")
	// debugging etc
	logfile := pflag.StringP("logfile", "l", "", "Log file path (in addition to the console)")
	loglevel := pflag.String("loglevel", "info", "Log level")
	statsinterval := pflag.Int("statsinterval", 0, "Show transfer stats every N seconds, 0 to disable")
	pflag.Parse()

	var zll zerolog.Level
	switch strings.ToLower(*loglevel) {
	case "trace":
		zll = zerolog.TraceLevel
	case "debug":
		zll = zerolog.DebugLevel
	case "info":
		zll = zerolog.InfoLevel
	case "warn":
		zll = zerolog.WarnLevel
	case "error":
		zll = zerolog.ErrorLevel
	default:
		foldersync.Logger.Fatal().Msgf("Invalid log level: %v", *loglevel)
	}
	foldersync.Logger = foldersync.Logger.Level(zll)

	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			foldersync.Logger.Fatal().Msgf("Error opening log file %v: %v", *logfile, err)
		}
		defer f.Close()
		foldersync.SetLogOutput(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			f,
		))
	}

	if *source == "" || *replica == "" {
		foldersync.Logger.Fatal().Msg("Need both a source and a replica directory")
	}
	if !*once && *interval <= 0 {
		foldersync.Logger.Fatal().Msg("Interval must be a positive number of seconds")
	}

	syncer := foldersync.NewSyncer(foldersync.Config{
		SourcePath:  *source,
		ReplicaPath: *replica,
		Interval:    time.Duration(*interval) * time.Second,
		Parallel:    *parallel,
		ArchivePath: *archive,
	})

	if err := syncer.Lock(); err != nil {
		foldersync.Logger.Fatal().Msgf("Error locking replica: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	stats := make(chan foldersync.PerformanceEntry, 1)
	if *statsinterval > 0 {
		go func() {
			stats <- runStats(syncer, time.Duration(*statsinterval)*time.Second, done)
		}()
	} else {
		stats <- foldersync.PerformanceEntry{}
	}

	var err error
	if *once {
		_, err = syncer.RunOnce(ctx)
	} else {
		err = syncer.Run(ctx)
	}
	close(done)

	// the stats goroutine has returned once the channel delivers, so the
	// final counter drain below cannot race a tick in flight
	totalhistory := <-stats
	totalhistory = totalhistory.Add(syncer.Perf.NextHistory())
	foldersync.Logger.Info().Msgf("Totals: %v walked, %v hashed, %v read, %v written, %v copied, %v updated, %v metadata, %v deleted, %v archived, %v errors",
		totalhistory.Get(foldersync.EntriesWalked),
		humanize.Bytes(totalhistory.Get(foldersync.HashedBytes)),
		humanize.Bytes(totalhistory.Get(foldersync.ReadBytes)),
		humanize.Bytes(totalhistory.Get(foldersync.WrittenBytes)),
		totalhistory.Get(foldersync.FilesCopied),
		totalhistory.Get(foldersync.FilesUpdated),
		totalhistory.Get(foldersync.MetadataUpdated),
		totalhistory.Get(foldersync.FilesDeleted),
		totalhistory.Get(foldersync.EntriesArchived),
		totalhistory.Get(foldersync.ItemErrors))

	syncer.Unlock()
	if err != nil {
		foldersync.Logger.Fatal().Msgf("Synchronization failed: %v", err)
	}
}

// runStats logs a transfer rate line every interval and returns the counters
// it accumulated once done is closed.
func runStats(syncer *foldersync.Syncer, every time.Duration, done <-chan struct{}) foldersync.PerformanceEntry {
	seconds := uint64(every / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var total foldersync.PerformanceEntry
	for {
		select {
		case <-done:
			return total
		case <-ticker.C:
			lasthistory := syncer.Perf.NextHistory()
			total = total.Add(lasthistory)
			foldersync.Logger.Warn().Msgf("Hashed %v/sec, read %v/sec, written %v/sec, %v copied, %v updated, %v deleted, %v errors",
				humanize.Bytes(lasthistory.Get(foldersync.HashedBytes)/seconds),
				humanize.Bytes(lasthistory.Get(foldersync.ReadBytes)/seconds),
				humanize.Bytes(lasthistory.Get(foldersync.WrittenBytes)/seconds),
				lasthistory.Get(foldersync.FilesCopied),
				lasthistory.Get(foldersync.FilesUpdated),
				lasthistory.Get(foldersync.FilesDeleted),
				lasthistory.Get(foldersync.ItemErrors))
		}
	}
}
