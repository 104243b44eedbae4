package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keshon/gatekeeper/internal/storage"
	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

type opener func() (*storage.Storage, error)

// withStore opens storage for one command run and closes it afterwards.
func withStore(open opener, fn func(cmd *cobra.Command, store *storage.Storage, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := open()
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "gatekeeper-cli",
		Short:         "Inspect and manage gatekeeper verification data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStatusCmd(open),
		newResetCmd(open),
		newListCmd(open),
		newStatsCmd(open),
		newConfigCmd(open),
	)
	return root
}

func newStatusCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status <guild-id> <user-id>",
		Short: "Show a member's verification state",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			rec, err := store.GetVerified(ctx, args[0], args[1])
			switch {
			case err == nil:
				fmt.Fprintf(out, "verified at %s via %s (score %d)\n", rec.VerifiedAt.Format(time.RFC3339), rec.Method, rec.Score)
				return nil
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}

			pending, err := store.GetPending(ctx, args[0], args[1])
			switch {
			case errors.Is(err, storage.ErrNotFound):
				fmt.Fprintln(out, "not started")
				return nil
			case err != nil:
				return err
			}
			state := "pending"
			if pending.Expired(time.Now()) {
				state = "expired"
			}
			fmt.Fprintf(out, "%s: challenge %s, completed %s of %s, expires %s\n",
				state, pending.ChallengeID, joinSteps(pending.CompletedSteps), joinSteps(pending.Required),
				pending.ExpiresAt.Format(time.RFC3339))
			return nil
		}),
	}
}

func newResetCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <guild-id> <user-id>",
		Short: "Remove a member's pending and verified records",
		Long: `Remove a member's pending and verified records so they can verify again.
The verified role is not removed from the member.`,
		Args: cobra.ExactArgs(2),
		RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
			ctx := cmd.Context()
			if err := store.DeletePending(ctx, args[0], args[1]); err != nil {
				return err
			}
			if err := store.DeleteVerified(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s in guild %s\n", args[1], args[0])
			return nil
		}),
	}
}

func newListCmd(open opener) *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "List guilds, verified members or pending challenges",
	}
	list.AddCommand(
		&cobra.Command{
			Use:   "guilds",
			Short: "List guilds that have a stored configuration",
			Args:  cobra.NoArgs,
			RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, _ []string) error {
				guilds, err := store.ListGuilds(cmd.Context())
				if err != nil {
					return err
				}
				for _, g := range guilds {
					fmt.Fprintln(cmd.OutOrStdout(), g)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "verified <guild-id>",
			Short: "List verified members, newest first",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
				recs, err := store.ListVerified(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				sort.Slice(recs, func(i, j int) bool { return recs[i].VerifiedAt.After(recs[j].VerifiedAt) })

				tw := table(cmd.OutOrStdout())
				fmt.Fprintln(tw, "USER\tUSERNAME\tVERIFIED AT\tMETHOD\tSCORE")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.UserID, r.Username, r.VerifiedAt.Format(time.RFC3339), r.Method, r.Score)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "pending <guild-id>",
			Short: "List pending challenges",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
				recs, err := store.ListPending(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })

				tw := table(cmd.OutOrStdout())
				fmt.Fprintln(tw, "USER\tCHALLENGE\tCOMPLETED\tEXPIRES AT")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.UserID, r.ChallengeID, joinSteps(r.CompletedSteps), r.ExpiresAt.Format(time.RFC3339))
				}
				return tw.Flush()
			}),
		},
	)
	return list
}

func newStatsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <guild-id>",
		Short: "Show verification counts for a guild",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
			ctx := cmd.Context()
			verified, err := store.ListVerified(ctx, args[0])
			if err != nil {
				return err
			}
			pending, err := store.ListPending(ctx, args[0])
			if err != nil {
				return err
			}

			now := time.Now()
			var day, week, total int
			for _, r := range verified {
				total += r.Score
				if now.Sub(r.VerifiedAt) <= 24*time.Hour {
					day++
				}
				if now.Sub(r.VerifiedAt) <= 7*24*time.Hour {
					week++
				}
			}

			tw := table(cmd.OutOrStdout())
			fmt.Fprintf(tw, "verified\t%d\n", len(verified))
			fmt.Fprintf(tw, "last 24h\t%d\n", day)
			fmt.Fprintf(tw, "last 7 days\t%d\n", week)
			fmt.Fprintf(tw, "pending\t%d\n", st.CountLive(pending, now))
			if len(verified) > 0 {
				fmt.Fprintf(tw, "average score\t%.1f\n", float64(total)/float64(len(verified)))
			}
			return tw.Flush()
		}),
	}
}

func newConfigCmd(open opener) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change a guild's verification settings",
	}

	show := &cobra.Command{
		Use:   "show <guild-id>",
		Short: "Print the stored settings, or defaults when none are stored",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
			cfg, err := store.GetGuildConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		}),
	}

	var enabled, requireCode, requireMath, preventBots, autoKick bool
	var ageDays, kickMinutes int
	var roleName, logChannel string
	set := &cobra.Command{
		Use:   "set <guild-id>",
		Short: "Change settings; only flags given on the command line are applied",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, store *storage.Storage, args []string) error {
			cfg, err := store.GetGuildConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("enabled") {
				cfg.Enabled = enabled
			}
			if flags.Changed("require-code") {
				cfg.RequireCode = requireCode
			}
			if flags.Changed("require-math") {
				cfg.RequireMath = requireMath
			}
			if flags.Changed("prevent-bots") {
				cfg.PreventBots = preventBots
			}
			if flags.Changed("account-age-days") {
				if ageDays < 0 {
					return fmt.Errorf("--account-age-days must not be negative")
				}
				cfg.AccountAgeMinDays = ageDays
			}
			if flags.Changed("role-name") {
				if strings.TrimSpace(roleName) == "" {
					return fmt.Errorf("--role-name must not be empty")
				}
				cfg.VerifiedRoleName = roleName
			}
			if flags.Changed("log-channel") {
				cfg.LogChannelID = logChannel
			}
			if flags.Changed("auto-kick") {
				cfg.AutoKickUnverified = autoKick
			}
			if flags.Changed("auto-kick-minutes") {
				if kickMinutes <= 0 {
					return fmt.Errorf("--auto-kick-minutes must be positive")
				}
				cfg.AutoKickTimeMinutes = kickMinutes
			}

			if err := store.SetGuildConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		}),
	}
	set.Flags().BoolVar(&enabled, "enabled", true, "turn verification on or off")
	set.Flags().BoolVar(&requireCode, "require-code", false, "require the typed code step")
	set.Flags().BoolVar(&requireMath, "require-math", false, "require the arithmetic step")
	set.Flags().BoolVar(&preventBots, "prevent-bots", true, "refuse bot accounts")
	set.Flags().IntVar(&ageDays, "account-age-days", 0, "minimum account age in days")
	set.Flags().StringVar(&roleName, "role-name", "", "name of the role granted on success")
	set.Flags().StringVar(&logChannel, "log-channel", "", "channel ID for audit messages, empty to disable")
	set.Flags().BoolVar(&autoKick, "auto-kick", false, "kick members who do not verify in time")
	set.Flags().IntVar(&kickMinutes, "auto-kick-minutes", 30, "minutes before an unverified member is kicked")

	cfgCmd.AddCommand(show, set)
	return cfgCmd
}

func printConfig(w io.Writer, cfg st.GuildConfig) {
	tw := table(w)
	fmt.Fprintf(tw, "guild\t%s\n", cfg.GuildID)
	fmt.Fprintf(tw, "enabled\t%t\n", cfg.Enabled)
	fmt.Fprintf(tw, "steps\t%s\n", joinSteps(configSteps(cfg)))
	fmt.Fprintf(tw, "account age (days)\t%d\n", cfg.AccountAgeMinDays)
	fmt.Fprintf(tw, "prevent bots\t%t\n", cfg.PreventBots)
	fmt.Fprintf(tw, "verified role\t%s\n", cfg.VerifiedRoleName)
	fmt.Fprintf(tw, "log channel\t%s\n", orNone(cfg.LogChannelID))
	fmt.Fprintf(tw, "auto kick\t%t (%d min)\n", cfg.AutoKickUnverified, cfg.AutoKickTimeMinutes)
	_ = tw.Flush()
}

func configSteps(cfg st.GuildConfig) []st.Step {
	steps := []st.Step{st.StepButton}
	if cfg.RequireCode {
		steps = append(steps, st.StepCode)
	}
	if cfg.RequireMath {
		steps = append(steps, st.StepMath)
	}
	return steps
}

func joinSteps(steps []st.Step) string {
	if len(steps) == 0 {
		return "-"
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	return strings.Join(names, "+")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
