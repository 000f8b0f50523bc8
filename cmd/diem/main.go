// Command diem is the command-line client: subscribe to artifactories,
// install and remove apps, and keep installed apps in sync.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/airone01/diem"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "diem",
		Short:         "Decentralized package manager for shared environments",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: per-user config dir)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newInstallCommand(),
		newRemoveCommand(),
		newSyncCommand(),
		newListCommand(),
		newSearchCommand(),
		newArtifactoryCommand(),
		newProviderCommand(),
	)
	return cmd
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func openClient() (*diem.Client, error) {
	opts := []diem.Option{diem.WithLogger(newLogger())}
	if flagConfig != "" {
		opts = append(opts, diem.WithConfigPath(flagConfig))
	}
	return diem.Open(opts...)
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <app>",
		Short: "Install an app (\"hello\", \"campus/hello\", or \"hello@1.0.0\")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			plan, err := client.Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s@%s (%d packages)\n",
				plan.App.Name, plan.App.Version, len(plan.Packages))
			return nil
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <app>",
		Short: "Remove an installed app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			if err := client.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		Aliases: []string{"update"},
		Short:   "Reconcile installed apps with the current catalogs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			if err := client.Sync(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "in sync")
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			for _, rec := range client.Installed() {
				marker := ""
				if rec.Orphaned {
					marker = " (orphaned)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tapp=%s\tsubscription=%s%s\n",
					rec.ID(), rec.App, rec.Subscription, marker)
			}
			return nil
		},
	}
}

func newSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search subscribed catalogs for apps matching a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			entries, err := client.Search(cmd.Context(), args[0])
			for _, e := range entries {
				desc := ""
				if e.App.Description != "" {
					desc = "\t" + e.App.Description
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s@%s%s\n", e.Subscription, e.App.Name, e.App.Version, desc)
			}
			return err
		},
	}
}

func newArtifactoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "artifactory",
		Aliases: []string{"art"},
		Short:   "Manage artifactory subscriptions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "subscribe <name> <source>",
		Short: "Subscribe to an artifactory (path, URL, or pkg:github purl)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			if err := client.Subscribe(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscribed to %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unsubscribe <name>",
		Short: "Drop a subscription (installed apps are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			if err := client.Unsubscribe(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed from %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			for _, sub := range client.Subscriptions() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", sub.Name, sub.Source)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apps",
		Short: "List every app offered by the subscribed artifactories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			merged, err := client.Catalog(cmd.Context())
			if merged != nil {
				for _, e := range merged.Entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s/%s@%s\n", e.Subscription, e.App.Name, e.App.Version)
				}
			}
			return err
		},
	})

	return cmd
}

func newProviderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage remote artifactory providers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <source>",
		Short: "Add a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			if err := client.AddProvider(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added provider %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			if err := client.RemoveProvider(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed provider %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			for _, p := range client.Providers() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Name, p.Source)
			}
			return nil
		},
	})

	return cmd
}
