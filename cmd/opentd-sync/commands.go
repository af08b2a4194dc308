package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/maruel/subcommands"

	"opentd/internal/appconfig"
)

func cmdSave() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "save [flags] <key> <json>",
		ShortDesc: "stores a JSON value under key",
		CommandRun: func() subcommands.CommandRun {
			c := &saveRun{}
			c.registerBaseFlags()
			return c
		},
	}
}

type saveRun struct{ cmdRun }

func (r *saveRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 2 {
		return r.argErr("save [flags] <key> <json>", "expected a key and a value")
	}
	key, value := args[0], json.RawMessage(args[1])
	if !json.Valid(value) {
		return r.argErr("save [flags] <key> <json>", "value is not valid JSON: %s", args[1])
	}
	return r.withSession(a, func(ctx context.Context, s *session, _ io.Writer) error {
		return s.manager.Save(ctx, key, value, s.token)
	})
}

func cmdLoad() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "load [flags] <key>",
		ShortDesc: "prints the JSON value stored under key",
		CommandRun: func() subcommands.CommandRun {
			c := &loadRun{}
			c.registerBaseFlags()
			return c
		},
	}
}

type loadRun struct{ cmdRun }

func (r *loadRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 1 {
		return r.argErr("load [flags] <key>", "expected a key")
	}
	return r.withSession(a, func(ctx context.Context, s *session, out io.Writer) error {
		value, err := s.manager.Load(ctx, args[0], s.token)
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("%q not found", args[0])
		}
		return printJSON(out, value)
	})
}

func cmdKeys() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "keys [flags]",
		ShortDesc: "lists stored keys",
		CommandRun: func() subcommands.CommandRun {
			c := &keysRun{}
			c.registerBaseFlags()
			return c
		},
	}
}

type keysRun struct{ cmdRun }

func (r *keysRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.argErr("keys [flags]", "unexpected arguments")
	}
	return r.withSession(a, func(ctx context.Context, s *session, out io.Writer) error {
		keys, err := s.manager.Keys(ctx, s.token)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(out, key)
		}
		return nil
	})
}

func cmdClear() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "clear [flags]",
		ShortDesc: "deletes local data, and server data in hybrid mode",
		CommandRun: func() subcommands.CommandRun {
			c := &clearRun{}
			c.registerBaseFlags()
			return c
		},
	}
}

type clearRun struct{ cmdRun }

func (r *clearRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.argErr("clear [flags]", "unexpected arguments")
	}
	return r.withSession(a, func(ctx context.Context, s *session, _ io.Writer) error {
		return s.manager.ClearAllData(ctx, s.token)
	})
}

func cmdConfig() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "config [flags]",
		ShortDesc: "prints the deployment's config.json",
		CommandRun: func() subcommands.CommandRun {
			c := &configRun{}
			c.registerBaseFlags()
			return c
		},
	}
}

type configRun struct{ cmdRun }

func (r *configRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.argErr("config [flags]", "unexpected arguments")
	}
	if r.base == "" {
		return r.argErr("config [flags]", "-base is required")
	}
	cfg, err := appconfig.New(r.base).Load(context.Background())
	if err != nil {
		fmt.Fprintln(a.GetErr(), err)
		return ecRunError
	}
	return r.done(printJSON(a.GetOut(), cfg))
}
