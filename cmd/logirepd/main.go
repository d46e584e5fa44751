// Command logirepd runs one apply session against a single upstream
// origin: connect, negotiate STARTUP, and apply BEGIN/RELATION/INSERT/
// UPDATE/DELETE/COMMIT until the transport closes or the process is
// signaled to stop.
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leengari/logirep/internal/apply"
	"github.com/leengari/logirep/internal/conflict"
	"github.com/leengari/logirep/internal/localstore"
	"github.com/leengari/logirep/internal/logging"
	"github.com/leengari/logirep/internal/progresslog"
	"github.com/leengari/logirep/internal/protocol"
	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/tupledata"
)

func main() {
	upstreamAddr := flag.String("upstream", "127.0.0.1:5433", "address of the upstream replication source")
	originName := flag.String("origin", "origin1", "name this session's upstream identifies itself as")
	progressPath := flag.String("progress-log", "logirep.progress", "path to the durable origin-progress log")
	encoding := flag.String("encoding", "UTF8", "local database encoding, validated against the upstream's client_encoding")
	seqEndpoint := flag.String("seq-endpoint", "http://localhost:5341", "Seq server to ship structured logs to; empty disables Seq")
	logLevel := flag.String("log-level", "debug", "minimum log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		slog.Error("invalid log level", "log-level", *logLevel, "error", err)
		os.Exit(1)
	}

	logger, closeFn := logging.SetupLogger(logging.Config{
		SeqEndpoint:   *seqEndpoint,
		Level:         level,
		BatchSize:     1,
		FlushInterval: 500 * time.Millisecond,
		Origin:        *originName,
	})
	defer closeFn()
	slog.SetDefault(logger)

	progress, err := progresslog.OpenManager(*progressPath)
	if err != nil {
		slog.Error("failed to open progress log", "error", err)
		os.Exit(1)
	}
	defer progress.Close()

	store := localstore.NewStore()
	// Relation-id-to-table registration is local-only knowledge neither
	// side puts on the wire (spec.md §4.3): a real deployment loads this
	// mapping from its own catalog before starting the session. Wiring
	// that catalog loader is an external-collaborator concern this
	// command stubs out.
	registerKnownRelations(store)

	host := apply.NewDefaultHost(store, progress)

	conn, err := net.Dial("tcp", *upstreamAddr)
	if err != nil {
		slog.Error("failed to connect to upstream", "upstream", *upstreamAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	types := builtinTypeRegistry()
	caps := tupledata.Capabilities{AllowInternalBasetypes: true, AllowBinaryBasetypes: true}

	encCache := relation.NewCache(logger)
	decCache := relation.NewCache(logger)
	enc := protocol.NewEncoder(conn, encCache, types, caps)
	dec := protocol.NewDecoder(conn, decCache, types, *encoding)

	if err := enc.EncodeStartup(protocol.Startup{
		ClientEncoding:         *encoding,
		AllowInternalBasetypes: caps.AllowInternalBasetypes,
		AllowBinaryBasetypes:   caps.AllowBinaryBasetypes,
	}); err != nil {
		slog.Error("startup negotiation failed", "error", err)
		os.Exit(1)
	}

	term := &apply.Termination{}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		slog.Info("termination requested, will stop at the next safe point")
		term.Stop()
	}()

	reporter := conflictLogger{logger: logger}
	engine := apply.NewEngine(dec, decCache, host, *originName, term,
		apply.WithResolver(conflict.LastWriterWins{}),
		apply.WithReporter(reporter),
	)
	engine.AddObserver(apply.NewLoggingObserver(logger))

	slog.Info("apply session starting", "origin", *originName, "last_remote_end_lsn", host.LastRemoteEndLSN(*originName))

	if err := engine.Run(); err != nil {
		if _, closed := err.(*protocol.TransportClosed); closed {
			// The upstream hung up cleanly. spec.md §7 treats this as
			// expected in a long-running replication topology: exit 0
			// so a process supervisor reconnects without treating it
			// as a crash.
			slog.Info("upstream closed the connection", "error", err)
			os.Exit(0)
		}
		slog.Error("apply session ended", "error", err)
		os.Exit(1)
	}

	slog.Info("apply session stopped cleanly")
}

// registerKnownRelations is where a real deployment would load its
// relation-id-to-local-table mapping. Left as a stub: this module
// doesn't own schema discovery.
func registerKnownRelations(store *localstore.Store) {
	_ = store
}

func builtinTypeRegistry() tupledata.Registry {
	return tupledata.Registry{}
}

type conflictLogger struct {
	logger *slog.Logger
}

func (c conflictLogger) ReportConflict(r conflict.Report) {
	c.logger.Warn("conflict resolved",
		"kind", r.Kind.String(),
		"resolution", r.Decision.String(),
	)
}
