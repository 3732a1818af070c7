// Command vermand is the master process: it accepts worker connections,
// dispatches job tasks, and persists job/history state.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Totoro-Yes/VerManager/internal/config"
	"github.com/Totoro-Yes/VerManager/internal/datalink"
	"github.com/Totoro-Yes/VerManager/internal/dispatcher"
	"github.com/Totoro-Yes/VerManager/internal/jobmaster"
	"github.com/Totoro-Yes/VerManager/internal/pdb"
	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/registry"
	"github.com/Totoro-Yes/VerManager/internal/router"
	"github.com/Totoro-Yes/VerManager/internal/session"
	"github.com/Totoro-Yes/VerManager/internal/storage"
	"github.com/Totoro-Yes/VerManager/internal/task"
	"github.com/Totoro-Yes/VerManager/internal/tasktracker"
	"github.com/Totoro-Yes/VerManager/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vermand",
		Short:   "VerManager master: worker registry, dispatcher, job master",
		Version: version.Version,
	}

	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the master control plane",
		RunE:  runServe,
	}
	cmd.Flags().String("config", ".", "Directory containing vermand.yaml/.toml/.json")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema and exit",
		RunE:  runMigrate,
	}
	cmd.Flags().String("config", ".", "Directory containing vermand.yaml/.toml/.json")
	return cmd
}

func loadMasterConfig(cmd *cobra.Command) (*config.MasterConfig, error) {
	dir, _ := cmd.Flags().GetString("config")
	if envDir := os.Getenv("VERMAND_CONFIG_DIR"); envDir != "" {
		dir = envDir
	}
	cfg, filename, err := config.LoadMaster(dir)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", dir, err)
	}
	slog.Default().Info("loaded config", "file", filename)
	return cfg, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadMasterConfig(cmd)
	if err != nil {
		return err
	}
	store, err := storage.NewSQLite(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	slog.Default().Info("storage schema applied", "dsn", cfg.StorageDSN)
	return nil
}

// openValidator accepts any worker token. The spec carries no shared-secret
// provisioning surface for the worker fleet, so every connection is trusted
// once it reaches the control port.
type openValidator struct{}

func (openValidator) ValidateToken(ident, token string) bool { return true }

// newMasterLogger writes to stderr, plus logDir/vermand.log when logDir is set.
func newMasterLogger(logDir string) (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "vermand.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	cfg, err := loadMasterConfig(cmd)
	if err != nil {
		return err
	}
	log, err = newMasterLogger(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}

	store, err := storage.NewSQLite(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	adapter := storage.Adapter{Store: store}

	db, err := pdb.New(cfg.PDBLocation, log)
	if err != nil {
		return fmt.Errorf("open pdb: %w", err)
	}

	tracker := tasktracker.New()
	room := registry.New(cfg.WaitingInterval.Duration(), func(ident string, from, to registry.Status) {
		log.Info("worker status changed", "worker", ident, "from", from, "to", to)
	}, log)
	defer room.Stop()

	rt := router.New(log)
	sender := session.Manager{Room: room}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jm := jobmaster.New(cfg.Book(), adapter, adapter, log)
	disp := dispatcher.New(tracker, room, sender, jm.HandleTaskState, log)
	jm.SetDispatcher(disp)
	jm.SetResultDir(cfg.ResultDir)

	notifier := jobmaster.NewBroadcaster()
	jm.SetNotifier(notifier)
	go logClientMessages(ctx, notifier, log)

	// queries backs the query-by-key surface (processing/history/files/task)
	// for whatever client-facing proxy fronts this master; none is wired up
	// here since no HTTP/webhook listener is in scope for this process.
	queries := jobmaster.NewQueryService(jm, adapter, db)
	_ = queries

	disp.Start()
	defer disp.Stop()

	rt.Handle(protocol.TypeResponse, func(ident string, msg protocol.Message) {
		header, err := protocol.DecodeHeader[protocol.ResponseHeader](msg)
		if err != nil {
			log.Warn("malformed response header", "worker", ident, "error", err)
			return
		}
		content, err := protocol.DecodeContent[protocol.ResponseContent](msg)
		if err != nil {
			log.Warn("malformed response content", "worker", ident, "error", err)
			return
		}
		state, ok := task.StateFromWireCode(content.State)
		if !ok {
			log.Warn("unknown response state", "worker", ident, "state", content.State)
			return
		}
		disp.ReportState(header.Tid, state)
	})
	rt.Handle(protocol.TypeTaskLog, func(ident string, msg protocol.Message) {
		// TaskLog normally arrives over the UDP log channel, not the
		// control socket; log it anyway rather than drop it silently.
		content, err := protocol.DecodeContent[protocol.TaskLogContent](msg)
		if err == nil {
			log.Info("task log", "worker", ident, "message", content.Message)
		}
	})
	rt.Handle(protocol.TypeCmdResponse, func(ident string, msg protocol.Message) {
		log.Debug("command response", "worker", ident)
	})
	rt.Handle(protocol.TypeWSCNotify, func(ident string, msg protocol.Message) {
		log.Debug("worker status change notify", "worker", ident)
	})

	if err := serveLogChannel(ctx, cfg.LogPort, rt, log); err != nil {
		return fmt.Errorf("log channel: %w", err)
	}

	artifactHandler, artifactEnd := newArtifactHandlers(db, cfg.ResultDir, log)
	dataListener := datalink.New(cfg.DataPort, artifactHandler, log)
	dataListener.OnEnd(artifactEnd)
	go func() {
		if err := dataListener.Serve(ctx); err != nil {
			log.Warn("datalink listener stopped", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ControlAddr, err)
	}
	log.Info("master listening", "control", cfg.ControlAddr, "data", cfg.DataPort, "log", cfg.LogPort)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	validator := openValidator{}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go func(c net.Conn) {
			if _, err := session.Accept(c, room, validator, rt.AsSessionHandler(), nil, disp, log); err != nil {
				log.Warn("session rejected", "remote", c.RemoteAddr(), "error", err)
			}
		}(conn)
	}
}

// newArtifactHandlers persists incoming artifact chunks keyed by task id,
// flushing sequentially at the file's current position, and lands the
// finished file under resultDir once its stream ends.
func newArtifactHandlers(db *pdb.DB, resultDir string, log *slog.Logger) (datalink.Handler, datalink.EndHandler) {
	handle := func(conn net.Conn, frame protocol.BinaryFrame) error {
		if !db.IsExists(frame.TaskID) {
			if err := db.Create(frame.TaskID); err != nil {
				return err
			}
		}
		if !db.IsOpen(frame.TaskID) {
			if err := db.Open(frame.TaskID); err != nil {
				return err
			}
		}
		return db.Write(frame.TaskID, frame.Payload, pdb.CurrentPos)
	}
	end := func(conn net.Conn, frame protocol.BinaryFrame) {
		if db.IsOpen(frame.TaskID) {
			if err := db.Close(frame.TaskID); err != nil {
				log.Warn("close artifact failed", "task", frame.TaskID, "error", err)
			}
		}
		if err := landArtifact(db, frame, resultDir); err != nil {
			log.Warn("land artifact failed", "task", frame.TaskID, "error", err)
		}
		log.Info("artifact received", "task", frame.TaskID, "file", frame.FileName)
	}
	return handle, end
}

// landArtifact copies a finished task's pdb-backed file into
// resultDir/<uniqueId>/<fileName>, mirroring the original's ResultStore
// step: job.Result is only meaningful once the artifact has a home there.
func landArtifact(db *pdb.DB, frame protocol.BinaryFrame, resultDir string) error {
	src, ok := db.Path(frame.TaskID)
	if !ok {
		return fmt.Errorf("pdb: unknown key %s", frame.TaskID)
	}
	uid, _, _ := strings.Cut(frame.TaskID, "_")
	destDir := filepath.Join(resultDir, uid)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(frame.FileName))
	return os.WriteFile(dest, data, 0o644)
}

// logClientMessages subscribes to every client-visible job message and
// logs it, standing in for the external proxy that would otherwise
// forward these to connected clients.
func logClientMessages(ctx context.Context, b *jobmaster.Broadcaster, log *slog.Logger) {
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			log.Info("client message", "type", msg.Type)
		}
	}
}

// serveLogChannel binds the UDP TaskLog channel and hands each datagram
// to the router, the same handler table the control-plane connection uses.
func serveLogChannel(ctx context.Context, addr string, rt *router.Router, log *slog.Logger) error {
	if addr == "" {
		log.Warn("no logPort configured, TaskLog channel disabled")
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		buf := make([]byte, protocol.MaxFrameSize)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Warn("log channel read failed", "error", err)
				continue
			}
			msg, err := protocol.Decode(buf[:n])
			if err != nil {
				log.Warn("malformed log datagram", "error", err)
				continue
			}
			header, err := protocol.DecodeHeader[protocol.TaskLogHeader](msg)
			if err != nil {
				log.Warn("malformed task log header", "error", err)
				continue
			}
			rt.Dispatch(header.Ident, msg)
		}
	}()

	return nil
}
