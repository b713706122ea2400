// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/cobra"

	"github.com/tillhq/licensed/internal/models"
)

func RunLicenseCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "license",
		Short: "Manage license records",
	}

	command.AddCommand(licenseListCommand())
	command.AddCommand(licenseRevokeCommand())
	command.AddCommand(licenseRenewCommand())

	return command
}

func licenseListCommand() *cobra.Command {
	var configDir, dataDir, filter string

	command := &cobra.Command{
		Use:   "list",
		Short: "List license records",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, _, licenseService, err := openStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			licenses, err := licenseService.Store().List(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list licenses: %w", err)
			}

			if filter != "" {
				matched := licenses[:0]
				for _, license := range licenses {
					if fuzzy.MatchFold(filter, license.Email) {
						matched = append(matched, license)
					}
				}
				licenses = matched
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tKIND\tDEVICE\tEXPIRES\tSTATUS")
			now := time.Now()
			for _, license := range licenses {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					license.ID,
					license.Email,
					licenseKind(license),
					deviceColumn(license),
					license.ExpiresAt.Format("2006-01-02"),
					licenseStatus(license, now),
				)
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&filter, "filter", "",
		"fuzzy match on account email")

	return command
}

func licenseRevokeCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "revoke <license-id>",
		Short: "Revoke a license record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			licenseID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid license id %q", args[0])
			}

			_, db, _, licenseService, err := openStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := licenseService.Store().Revoke(context.Background(), licenseID); err != nil {
				return fmt.Errorf("failed to revoke license: %w", err)
			}

			cmd.Printf("License %d revoked\n", licenseID)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")

	return command
}

func licenseRenewCommand() *cobra.Command {
	var configDir, dataDir string
	var days int

	command := &cobra.Command{
		Use:   "renew <license-id>",
		Short: "Extend a license and convert a trial to a full license",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one license id")
			}
			licenseID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid license id %q", args[0])
			}
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}

			_, db, _, licenseService, err := openStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			expiresAt := time.Now().AddDate(0, 0, days)
			if err := licenseService.Store().Renew(context.Background(), licenseID, expiresAt); err != nil {
				return fmt.Errorf("failed to renew license: %w", err)
			}

			cmd.Printf("License %d renewed until %s\n", licenseID, expiresAt.Format("2006-01-02"))
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().IntVar(&days, "days", 365,
		"validity in days from now")

	return command
}

func licenseKind(license *models.License) string {
	if license.IsTrial {
		return "trial"
	}
	return "full"
}

func deviceColumn(license *models.License) string {
	if license.DeviceID == nil {
		return "-"
	}
	id := *license.DeviceID
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func licenseStatus(license *models.License, now time.Time) string {
	switch {
	case license.IsRevoked:
		return "revoked"
	case license.IsExpired(now):
		return "expired"
	default:
		return fmt.Sprintf("valid (%dd left)", license.RemainingDays(now))
	}
}
