package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/questbored/xpcore/internal/confirm"
	"github.com/questbored/xpcore/internal/database"
	"github.com/questbored/xpcore/internal/models"
	"github.com/questbored/xpcore/internal/permissions"
	"github.com/questbored/xpcore/internal/registry"
)

type app struct {
	registry registry.Service
	broker   *confirm.Broker
	resolver *permissions.Resolver
	manager  *database.Manager
	out      io.Writer
	in       io.Reader
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "check":
		return a.check()
	case "init":
		return a.initSchema(ctx)
	case "reset-period":
		return a.resetPeriod(ctx)
	case "top":
		return a.top(ctx, args)
	case "stats":
		return a.stats(ctx, args)
	case "perms":
		return a.perms(args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) check() error {
	status := struct {
		Ready     bool       `json:"ready"`
		Waiting   int64      `json:"waiting"`
		LastCrash *time.Time `json:"last_crash,omitempty"`
		Episode   string     `json:"crash_episode,omitempty"`
	}{
		Ready:   a.manager.Ready(),
		Waiting: a.manager.Waiting(),
	}
	if at, episode, ok := a.manager.LastCrash(); ok {
		status.LastCrash = &at
		status.Episode = episode.String()
	}
	return a.printJSON(status)
}

func (a *app) initSchema(ctx context.Context) error {
	if err := a.registry.EnsureSchema(ctx); err != nil {
		return err
	}
	slog.Info("Schema is in place")
	return nil
}

// resetPeriod asks before zeroing the periodic counters. No answer within
// the broker timeout cancels the reset without touching anything.
func (a *app) resetPeriod(ctx context.Context) error {
	pending := a.broker.Begin()
	fmt.Fprintf(a.out, "This zeroes every character's periodic XP. Type yes or no within %s: ", a.broker.Timeout())
	go a.readAnswer(pending.Token)

	decision, err := pending.Await(ctx)
	if err != nil {
		return err
	}
	switch decision {
	case confirm.Approved:
		if err := a.registry.ResetPeriodicXP(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Periodic XP reset.")
	case confirm.Denied:
		fmt.Fprintln(a.out, "Nothing changed.")
	default:
		fmt.Fprintln(a.out, "No answer in time; nothing changed.")
	}
	return nil
}

func (a *app) readAnswer(token uuid.UUID) {
	scanner := bufio.NewScanner(a.in)
	if !scanner.Scan() {
		return
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	a.broker.Resolve(token, answer == "yes" || answer == "y")
}

func (a *app) top(ctx context.Context, args []string) error {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("top wants a number, got %q", args[0])
		}
		limit = n
	}
	chars, err := a.registry.Leaderboard(ctx, limit)
	if err != nil {
		return err
	}
	return a.printJSON(chars)
}

func (a *app) stats(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("stats wants an account id")
	}
	account, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("account id %q is not a number", args[0])
	}
	char, err := a.registry.ActiveCharacter(ctx, account)
	if err != nil {
		return err
	}
	rank, err := a.registry.Rank(ctx, char.ID)
	if err != nil {
		return err
	}
	members, err := a.registry.PoolMembers(ctx, account)
	if err != nil {
		return err
	}
	return a.printJSON(struct {
		Character   *models.Character `json:"character"`
		Rank        int64             `json:"rank"`
		PoolMembers []int64           `json:"pool_members"`
	}{char, rank, members})
}

func (a *app) perms(args []string) error {
	if len(args) == 0 {
		return a.printJSON(a.resolver.Defaults())
	}
	out := make(map[string][]string, len(args))
	for _, arg := range args {
		roleID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("role id %q is not a number", arg)
		}
		out[arg] = a.resolver.Resolve(roleID)
	}
	return a.printJSON(out)
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}
