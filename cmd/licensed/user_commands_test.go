// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/config"
	"github.com/tillhq/licensed/internal/database"
)

// seedUser writes a default config and registers an account the way a
// prior create-user run would have.
func seedUser(t *testing.T, configDir, dataDir, email, password string) {
	t.Helper()

	cfg, err := config.New(configDir)
	require.NoError(t, err)
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	require.NoError(t, err)
	defer db.Close()

	authService, err := auth.NewService(db.Conn(), cfg.Config.SessionSecret)
	require.NoError(t, err)

	_, err = authService.Register(context.Background(), email, password)
	require.NoError(t, err)
}

func TestRunCreateUserCommand(t *testing.T) {
	tests := []struct {
		name              string
		args              []string
		setupExistingUser bool
		expectedError     bool
		validateOutput    func(t *testing.T, output string)
	}{
		{
			name: "create_user_with_flags",
			args: []string{
				"--config-dir", "test-config",
				"--email", "owner@shop.example",
				"--password", "testpassword123",
			},
			validateOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "User 'owner@shop.example' created successfully")
				assert.Contains(t, output, "Trial license")
			},
		},
		{
			name: "create_user_without_trial",
			args: []string{
				"--config-dir", "test-config",
				"--email", "owner2@shop.example",
				"--password", "testpassword456",
				"--no-trial",
			},
			validateOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "User 'owner2@shop.example' created successfully")
				assert.NotContains(t, output, "Trial license")
			},
		},
		{
			name: "create_user_custom_data_dir",
			args: []string{
				"--config-dir", "test-config",
				"--data-dir", "custom-data",
				"--email", "owner3@shop.example",
				"--password", "testpassword789",
			},
			validateOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "User 'owner3@shop.example' created successfully")
			},
		},
		{
			name:              "duplicate_email",
			setupExistingUser: true,
			args: []string{
				"--config-dir", "test-config",
				"--email", "existing@shop.example",
				"--password", "password123",
			},
			expectedError: true,
		},
		{
			name: "password_too_short",
			args: []string{
				"--config-dir", "test-config",
				"--email", "owner@shop.example",
				"--password", "short",
			},
			expectedError: true,
		},
		{
			name: "empty_email",
			args: []string{
				"--config-dir", "test-config",
				"--email", "",
				"--password", "testpassword123",
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			originalWd, _ := os.Getwd()
			defer os.Chdir(originalWd)
			os.Chdir(tmpDir)

			configDir := "test-config"
			require.NoError(t, os.MkdirAll(configDir, 0755))
			require.NoError(t, config.WriteDefaultConfig(configDir+"/config.toml"))

			if tt.setupExistingUser {
				seedUser(t, configDir, "", "existing@shop.example", "password123")
			}

			cmd := RunCreateUserCommand()
			var output bytes.Buffer
			cmd.SetOut(&output)
			cmd.SetErr(&output)

			if len(tt.args) > 0 {
				cmd.SetArgs(tt.args)
			}

			err := cmd.Execute()

			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				if tt.validateOutput != nil {
					tt.validateOutput(t, output.String())
				}
			}
		})
	}
}

func TestRunChangePasswordCommand(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		setupUser      bool
		expectedError  bool
		validateOutput func(t *testing.T, output string)
	}{
		{
			name:      "change_password_with_flags",
			setupUser: true,
			args: []string{
				"--config-dir", "test-config",
				"--email", "owner@shop.example",
				"--new-password", "newpassword456",
			},
			validateOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "Password changed successfully for 'owner@shop.example'")
			},
		},
		{
			name:      "change_password_custom_data_dir",
			setupUser: true,
			args: []string{
				"--config-dir", "test-config",
				"--data-dir", "custom-data",
				"--email", "owner@shop.example",
				"--new-password", "newpassword789",
			},
			validateOutput: func(t *testing.T, output string) {
				assert.Contains(t, output, "Password changed successfully")
			},
		},
		{
			name:          "no_database_exists",
			setupUser:     false,
			args:          []string{"--config-dir", "test-config", "--email", "owner@shop.example"},
			expectedError: true,
		},
		{
			name:      "new_password_too_short",
			setupUser: true,
			args: []string{
				"--config-dir", "test-config",
				"--email", "owner@shop.example",
				"--new-password", "short",
			},
			expectedError: true,
		},
		{
			name:      "email_not_found",
			setupUser: true,
			args: []string{
				"--config-dir", "test-config",
				"--email", "nobody@shop.example",
				"--new-password", "newpassword456",
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			originalWd, _ := os.Getwd()
			defer os.Chdir(originalWd)
			os.Chdir(tmpDir)

			configDir := "test-config"
			require.NoError(t, os.MkdirAll(configDir, 0755))
			require.NoError(t, config.WriteDefaultConfig(configDir+"/config.toml"))

			if tt.setupUser {
				dataDir := ""
				for i, arg := range tt.args {
					if arg == "--data-dir" && i+1 < len(tt.args) {
						dataDir = tt.args[i+1]
						break
					}
				}
				seedUser(t, configDir, dataDir, "owner@shop.example", "oldpassword123")
			}

			cmd := RunChangePasswordCommand()
			var output bytes.Buffer
			cmd.SetOut(&output)
			cmd.SetErr(&output)

			if len(tt.args) > 0 {
				cmd.SetArgs(tt.args)
			}

			err := cmd.Execute()

			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				if tt.validateOutput != nil {
					tt.validateOutput(t, output.String())
				}
			}
		})
	}
}

func TestCreateUserCommandHelp(t *testing.T) {
	cmd := RunCreateUserCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	assert.NoError(t, err)

	helpOutput := output.String()
	assert.Contains(t, helpOutput, "Create a user account")
	assert.Contains(t, helpOutput, "--config-dir")
	assert.Contains(t, helpOutput, "--data-dir")
	assert.Contains(t, helpOutput, "--email")
	assert.Contains(t, helpOutput, "--password")
	assert.Contains(t, helpOutput, "--no-trial")
}

func TestChangePasswordCommandHelp(t *testing.T) {
	cmd := RunChangePasswordCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	assert.NoError(t, err)

	helpOutput := output.String()
	assert.Contains(t, helpOutput, "Change the password")
	assert.Contains(t, helpOutput, "--config-dir")
	assert.Contains(t, helpOutput, "--data-dir")
	assert.Contains(t, helpOutput, "--email")
	assert.Contains(t, helpOutput, "--new-password")
}

func TestLicenseCommandIntegrationWithRootCommand(t *testing.T) {
	rootCmd := &cobra.Command{
		Use:   "licensed",
		Short: "Test root command",
	}
	rootCmd.AddCommand(RunLicenseCommand())

	var output bytes.Buffer
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&output)
	rootCmd.SetArgs([]string{"license", "--help"})

	err := rootCmd.Execute()
	assert.NoError(t, err)

	helpOutput := output.String()
	assert.Contains(t, helpOutput, "list")
	assert.Contains(t, helpOutput, "revoke")
	assert.Contains(t, helpOutput, "renew")
}

func TestLicenseListFiltersAndFormats(t *testing.T) {
	tmpDir := t.TempDir()
	originalWd, _ := os.Getwd()
	defer os.Chdir(originalWd)
	os.Chdir(tmpDir)

	configDir := "test-config"
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, config.WriteDefaultConfig(configDir+"/config.toml"))

	for _, account := range []struct{ email, password string }{
		{"alpha@shop.example", "password123"},
		{"beta@store.example", "password123"},
	} {
		cmd := RunCreateUserCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{
			"--config-dir", configDir,
			"--email", account.email,
			"--password", account.password,
		})
		require.NoError(t, cmd.Execute())
	}

	cmd := RunLicenseCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"list", "--config-dir", configDir, "--filter", "alpha"})

	require.NoError(t, cmd.Execute())

	listing := output.String()
	assert.Contains(t, listing, "alpha@shop.example")
	assert.NotContains(t, listing, "beta@store.example")
	assert.Contains(t, listing, "trial")
}

func TestPasswordValidation(t *testing.T) {
	tests := []struct {
		password    string
		expectError bool
	}{
		{"password123", false},
		{"12345678", false},
		{"short", true},
		{"verylongpasswordthatisvalid", false},
	}

	for _, tt := range tests {
		t.Run("password_"+tt.password, func(t *testing.T) {
			tmpDir := t.TempDir()
			originalWd, _ := os.Getwd()
			defer os.Chdir(originalWd)
			os.Chdir(tmpDir)

			configDir := "test-config"
			require.NoError(t, os.MkdirAll(configDir, 0755))
			require.NoError(t, config.WriteDefaultConfig(configDir+"/config.toml"))

			cmd := RunCreateUserCommand()
			var output bytes.Buffer
			cmd.SetOut(&output)
			cmd.SetErr(&output)
			cmd.SetArgs([]string{
				"--config-dir", configDir,
				"--email", "owner@shop.example",
				"--password", tt.password,
			})

			err := cmd.Execute()

			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "password must be at least 8 characters long")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
