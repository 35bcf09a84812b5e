// Package cli binds a user-defined pipeline to the standard command set:
// run everything, run one task, cascade-delete from a task, and report
// status. It lives in pkg rather than internal because pipeline definitions
// live in user modules.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/snorkysnark/ralsei-dev/internal/log"
	internal_storage "github.com/snorkysnark/ralsei-dev/internal/storage"
	"github.com/snorkysnark/ralsei-dev/pkg/pipeline"
	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

// Execute parses process arguments and drives the engine for the given
// pipeline. It exits the process: 0 on success, non-zero on any surfaced
// error, naming the failing task and cause.
func Execute(name string, p *pipeline.Pipeline) {
	rootCmd := &cobra.Command{Use: name}
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")

	runCmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run the whole pipeline, or a single named task",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			db := openDB(cmd)
			defer db.Close()
			workers, _ := cmd.Flags().GetInt("workers")
			eng := pipeline.NewEngine(db, p, log.GetLogger(), pipeline.Workers(workers))
			var err error
			if len(args) == 1 {
				err = eng.RunTask(cmd.Context(), args[0])
			} else {
				err = eng.RunAll(cmd.Context())
			}
			if err != nil {
				fail(err)
			}
		},
	}
	runCmd.Flags().Int("workers", 1, "Run independent tasks on up to this many workers")

	deleteCmd := &cobra.Command{
		Use:   "delete-from <task>",
		Short: "Delete a task's output and everything built on it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			db := openDB(cmd)
			defer db.Close()
			eng := pipeline.NewEngine(db, p, log.GetLogger())
			if err := eng.DeleteFrom(cmd.Context(), args[0]); err != nil {
				fail(err)
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resolved task order and completion state",
		Run: func(cmd *cobra.Command, args []string) {
			db := openDB(cmd)
			defer db.Close()
			eng := pipeline.NewEngine(db, p, log.GetLogger())
			statuses, err := eng.Describe(cmd.Context())
			if err != nil {
				fail(err)
			}
			for _, st := range statuses {
				mark := " "
				if st.Complete {
					mark = "x"
				}
				fmt.Fprintf(os.Stdout, "[%s] %s -> %s\n", mark, st.Name, st.Table)
			}
		},
	}

	rootCmd.AddCommand(runCmd, deleteCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	log.GetLogger().Errorf("%v", err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// openDB resolves the connection string from --db, falling back to DB_* env
// vars (with .env support), and connects.
func openDB(cmd *cobra.Command) storage.DB {
	connStr, err := cmd.Flags().GetString("db")
	if err != nil {
		fail(err)
	}
	if connStr == "" {
		connStr = connStrFromEnv()
	}
	db, err := internal_storage.InitDB(connStr)
	if err != nil {
		fail(err)
	}
	return db
}

func connStrFromEnv() string {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found or failed to load: %v", err)
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}
