// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tillhq/licensed/internal/api"
	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/config"
	"github.com/tillhq/licensed/internal/database"
	"github.com/tillhq/licensed/internal/metrics"
	"github.com/tillhq/licensed/internal/models"
	"github.com/tillhq/licensed/internal/services"
	"github.com/tillhq/licensed/internal/web/swagger"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "licensed",
		Short: "License server for Till POS",
		Long: `licensed - the licensing backend for Till POS terminals.

Validates subscriptions and trials, enforces one-device binding, and
handles device reset and transfer.`,
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCreateUserCommand())
	rootCmd.AddCommand(RunChangePasswordCommand())
	rootCmd.AddCommand(RunLicenseCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the license server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/licensed/). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(Version, configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of licensed",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/licensed/config.toml

You can specify either a directory path or a direct file path:
- Directory: licensed generate-config --config-dir /path/to/config/
- File: licensed generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}

// openStack initializes config, database, auth and the license service
// for the offline management commands.
func openStack(configDir, dataDir string) (*config.AppConfig, *database.DB, *auth.Service, *services.LicenseService, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	authService, err := auth.NewService(db.Conn(), cfg.Config.SessionSecret)
	if err != nil {
		db.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	licenseService := services.NewLicenseService(db, authService, cfg.Config.Licensing)
	return cfg, db, authService, licenseService, nil
}

func RunCreateUserCommand() *cobra.Command {
	var configDir, dataDir, email, password string
	var skipTrial bool

	command := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account with a trial license",
		Long: `Create a user account without starting the server.

A trial license is provisioned for the new account unless --no-trial is
given. The trial length comes from the licensing.trialDays setting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, authService, licenseService, err := openStack(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			if email == "" {
				fmt.Print("Enter email: ")
				if _, err := fmt.Scanln(&email); err != nil {
					return fmt.Errorf("failed to read email: %w", err)
				}
			}
			email = strings.TrimSpace(email)
			if email == "" {
				return fmt.Errorf("email cannot be empty")
			}

			if password == "" {
				password, err = readPassword("Enter password: ")
				if err != nil {
					return err
				}
			}
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters long")
			}

			ctx := context.Background()
			user, err := authService.Register(ctx, email, password)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			cmd.Printf("User '%s' created successfully with ID: %d\n", user.Email, user.ID)

			if !skipTrial {
				license, err := licenseService.ProvisionTrial(ctx, user.ID)
				if err != nil {
					return fmt.Errorf("failed to provision trial: %w", err)
				}
				cmd.Printf("Trial license %d provisioned, expires %s\n",
					license.ID, license.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&email, "email", "",
		"email for the new account")
	command.Flags().StringVar(&password, "password", "",
		"password for the new account (will prompt if not provided)")
	command.Flags().BoolVar(&skipTrial, "no-trial", false,
		"skip provisioning a trial license")

	return command
}

func RunChangePasswordCommand() *cobra.Command {
	var configDir, dataDir, email, newPassword string

	command := &cobra.Command{
		Use:   "change-password",
		Short: "Change the password for a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			dbPath := cfg.GetDatabasePath()
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				return fmt.Errorf("database not found at %s. Create a user first with 'create-user'", dbPath)
			}

			db, err := database.New(dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			if email == "" {
				fmt.Print("Enter email: ")
				if _, err := fmt.Scanln(&email); err != nil {
					return fmt.Errorf("failed to read email: %w", err)
				}
			}

			ctx := context.Background()
			userStore := models.NewUserStore(db.Conn())
			user, err := userStore.GetByEmail(ctx, email)
			if err != nil {
				if err == models.ErrUserNotFound {
					return fmt.Errorf("account '%s' not found", email)
				}
				return fmt.Errorf("failed to look up account: %w", err)
			}

			if newPassword == "" {
				newPassword, err = readPassword("Enter new password: ")
				if err != nil {
					return err
				}
			}
			if len(newPassword) < 8 {
				return fmt.Errorf("password must be at least 8 characters long")
			}

			hashedPassword, err := auth.HashPassword(newPassword)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			if err = userStore.UpdatePassword(ctx, user.ID, hashedPassword); err != nil {
				return fmt.Errorf("failed to update password: %w", err)
			}

			cmd.Printf("Password changed successfully for '%s'\n", user.Email)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&email, "email", "",
		"account email")
	command.Flags().StringVar(&newPassword, "new-password", "",
		"new password (will prompt if not provided)")

	return command
}

type Application struct {
	version   string
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(version, configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	log.Info().Str("version", app.version).Msg("Starting licensed")

	cfg, err := config.New(app.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("LICENSED__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("LICENSED__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}
	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	authService, err := auth.NewService(db.Conn(), cfg.Config.SessionSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize auth service")
	}

	licenseService := services.NewLicenseService(db, authService, cfg.Config.Licensing)

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(licenseService.Store())
		licenseService.SetRecorder(metricsManager)
		log.Info().Msg("Prometheus metrics enabled at /metrics endpoint")
	}

	swaggerHandler, err := swagger.NewHandler(cfg.Config.BaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize API docs handler")
	}

	deps := &api.Dependencies{
		Config:         cfg,
		DB:             db.Conn(),
		AuthService:    authService,
		LicenseService: licenseService,
		MetricsManager: metricsManager,
		SwaggerHandler: swaggerHandler,
	}

	router := api.NewRouter(deps)

	readTimeout := time.Duration(cfg.Config.HTTPTimeouts.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Config.HTTPTimeouts.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Config.HTTPTimeouts.IdleTimeout) * time.Second

	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	if writeTimeout == 0 {
		writeTimeout = 120 * time.Second
	}
	if idleTimeout == 0 {
		idleTimeout = 180 * time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Info().
			Str("address", srv.Addr).
			Dur("readTimeout", readTimeout).
			Dur("writeTimeout", writeTimeout).
			Dur("idleTimeout", idleTimeout).
			Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
