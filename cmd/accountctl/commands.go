package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"account-sync/internal/auth"
	"account-sync/internal/backend"
	"account-sync/internal/domain"
	"account-sync/internal/registry"
)

var (
	ErrRequiredUsername = errors.New("username is required")
	ErrRequiredEmail    = errors.New("email is required")
	ErrRequiredFileName = errors.New("file name is required")
	ErrRequiredPassword = errors.New("password is required")
)

// withRegistry opens the configured store, runs fn against an initialised registry and
// shuts both down again.
func withRegistry(c *cli.Context, onChange func([]domain.Account), fn func(context.Context, *registry.Registry) error) error {
	m := c.App.Metadata["config"].(*metadata)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, m.config, m.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.New(store, registry.Config{
		Logger:       m.logger,
		UserAgent:    m.config.Sync.UserAgent,
		Source:       "accountctl",
		MarkerTTL:    m.config.Sync.MarkerTTL,
		CompatWrites: m.config.Sync.CompatWrites,
		OnChange:     onChange,
	})
	if err := reg.Init(ctx); err != nil {
		return err
	}
	defer reg.Shutdown()

	return fn(ctx, reg)
}

func runRegister(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	username := c.String("username")
	if username == "" {
		return ErrRequiredUsername
	}
	email := c.String("email")
	if email == "" {
		return ErrRequiredEmail
	}

	return withRegistry(c, nil, func(ctx context.Context, reg *registry.Registry) error {
		id, err := reg.Register(ctx, domain.RegisterInput{
			Username:    username,
			Email:       email,
			Balance:     c.Float64("balance"),
			GameBalance: c.Float64("game-balance"),
			Status:      domain.AccountStatus(c.String("status")),
			Source:      "accountctl",
		})
		if err != nil {
			return err
		}
		return printJson(m.w, map[string]string{"id": id, "username": username})
	})
}

func runList(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	return withRegistry(c, nil, func(ctx context.Context, reg *registry.Registry) error {
		accounts, err := reg.ListAll(ctx)
		if err != nil {
			return err
		}
		return printJson(m.w, map[string]any{"users": accounts, "total": len(accounts)})
	})
}

func runMerge(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	fileName := c.Args().First()
	if fileName == "" {
		return ErrRequiredFileName
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	var records []domain.Account
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode %s: %w", fileName, err)
	}

	return withRegistry(c, nil, func(ctx context.Context, reg *registry.Registry) error {
		merged, err := reg.Merge(ctx, records)
		if err != nil {
			return err
		}
		return printJson(m.w, map[string]int{"merged": merged})
	})
}

func runSync(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	return withRegistry(c, nil, func(ctx context.Context, reg *registry.Registry) error {
		status, err := reg.ForceSync(ctx)
		if err != nil {
			return err
		}
		return printJson(m.w, status)
	})
}

func runStatus(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	return withRegistry(c, nil, func(ctx context.Context, reg *registry.Registry) error {
		status, err := reg.Status(ctx)
		if err != nil {
			return err
		}
		return printJson(m.w, status)
	})
}

func runWatch(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	onChange := func(accounts []domain.Account) {
		if err := printJson(m.w, map[string]any{"users": accounts, "total": len(accounts)}); err != nil {
			fmt.Fprintf(m.e, "print accounts: %s\n", err)
		}
	}
	return withRegistry(c, onChange, func(ctx context.Context, reg *registry.Registry) error {
		if m.verbose {
			fmt.Fprintf(m.e, "watching for changes, interrupt to stop\n")
		}
		<-ctx.Done()
		return nil
	})
}

func runHashPassword(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	password := c.Args().First()
	if password == "" {
		return ErrRequiredPassword
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.w, "%s\n", hash)
	return nil
}

func printJson(handle io.Writer, message any) error {
	b, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintf(handle, "%s\n", b)
	return nil
}
