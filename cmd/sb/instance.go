package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/models"
)

func newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Manage instances",
	}

	cmd.AddCommand(newInstanceCreateCmd())
	cmd.AddCommand(newInstanceListCmd())
	return cmd
}

func newInstanceCreateCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		name       string
		platform   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance",
		Long:  "Creates an instance in CREATED status. Start it through the API of a running 'sb serve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			cfg, gormDB, err := connectFromConfig(configPath, envFile)
			if err != nil {
				return err
			}
			if dialers := newDialers(cfg, zerolog.Nop(), true); !dialers.Has(platform) {
				return fmt.Errorf("unknown platform %q (%s)", platform, strings.Join(dialers.Platforms(), ", "))
			}
			st, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			inst := &models.Instance{Name: name, Platform: platform, Status: models.StatusCreated}
			if err := st.CreateInstance(context.Background(), inst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created instance %s (%s, %s)\n", inst.ID, inst.Name, inst.Platform)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before the config")
	cmd.Flags().StringVarP(&name, "name", "n", "", "instance name")
	cmd.Flags().StringVarP(&platform, "platform", "p", "mock", "messaging platform (mock, discord, slack)")
	return cmd
}

func newInstanceListCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath, envFile)
			if err != nil {
				return err
			}
			st, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			var filter []models.InstanceStatus
			if status != "" {
				filter = append(filter, models.InstanceStatus(status))
			}
			instances, err := st.ListInstances(context.Background(), filter...)
			if err != nil {
				return err
			}
			printInstances(cmd, instances)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before the config")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only show instances in this status")
	return cmd
}

func printInstances(cmd *cobra.Command, instances []models.Instance) {
	out := cmd.OutOrStdout()
	if len(instances) == 0 {
		fmt.Fprintln(out, "No instances.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tSTATUS\tPHONE\tSESSION")
	for _, inst := range instances {
		session := "-"
		if inst.HasSession() {
			session = "yes"
		}
		phone := inst.PhoneNumber
		if phone == "" {
			phone = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.Name, inst.Platform, inst.Status, phone, session)
	}
	w.Flush()
}
