package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maruel/subcommands"
	"github.com/sirupsen/logrus"

	"opentd/internal/appconfig"
	"opentd/internal/client"
	"opentd/internal/logging"
)

// Exit codes.
const (
	ecOK = iota
	ecArgError
	ecSetupError
	ecRunError
)

// cmdRun holds the flags every subcommand shares.
type cmdRun struct {
	subcommands.CommandRunBase

	base     string
	dbPath   string
	mode     string
	server   string
	token    string
	logLevel string
}

func (r *cmdRun) registerBaseFlags() {
	r.Flags.StringVar(&r.base, "base", os.Getenv("OPENTD_BASE"), "deployment base URL that config.json and relative server roots resolve against")
	r.Flags.StringVar(&r.dbPath, "db", "opentd-local.db", "path of the local SQLite store")
	r.Flags.StringVar(&r.mode, "mode", "", "storage mode: local, server or hybrid (default from config.json, else local)")
	r.Flags.StringVar(&r.server, "server", "", "API root (default from config.json, else \"api\")")
	r.Flags.StringVar(&r.token, "token", os.Getenv("OPENTD_TOKEN"), "bearer token for the storage API")
	r.Flags.StringVar(&r.logLevel, "log-level", "warning", "log level")
}

// session is what a subcommand works with once flags are resolved.
type session struct {
	manager *client.Manager
	local   *client.SQLiteLocal
	token   string
	log     *logrus.Logger
}

func (s *session) Close() {
	_ = s.local.Close()
}

// open builds the manager. Mode and server root come from the flags, then
// from config.json when a base is set.
func (r *cmdRun) open(ctx context.Context) (*session, error) {
	log, err := logging.New(r.logLevel, os.Stderr)
	if err != nil {
		return nil, err
	}

	mode, server := r.mode, r.server
	if strings.TrimSpace(r.base) != "" && (mode == "" || server == "") {
		cfg, err := appconfig.New(r.base).Load(ctx)
		if err != nil {
			return nil, err
		}
		if mode == "" {
			mode = cfg.String("storageMode")
		}
		if server == "" {
			server = cfg.String("serverUrl")
		}
	}

	local, err := client.OpenSQLiteLocal(r.dbPath)
	if err != nil {
		return nil, err
	}
	manager := client.New(r.base, local, client.WithLogger(log))
	if mode != "" {
		if err := manager.SetStorageMode(mode); err != nil {
			_ = local.Close()
			return nil, err
		}
	}
	if server != "" {
		manager.SetServerURL(server)
	}
	return &session{manager: manager, local: local, token: r.token, log: log}, nil
}

func (r *cmdRun) argErr(usage, format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "%s\n\nusage: %s\n", fmt.Sprintf(format, args...), usage)
	return ecArgError
}

func (r *cmdRun) done(err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ecRunError
	}
	return ecOK
}

func (r *cmdRun) withSession(a subcommands.Application, fn func(ctx context.Context, s *session, out io.Writer) error) int {
	ctx := context.Background()
	s, err := r.open(ctx)
	if err != nil {
		fmt.Fprintln(a.GetErr(), err)
		return ecSetupError
	}
	defer s.Close()
	return r.done(fn(ctx, s, a.GetOut()))
}

func printJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
