package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	stagehand "github.com/stagehand-cms/stagehand"
)

var (
	configPath string
	dataPath   string
	exportDir  string
	listenAddr string
)

func main() {
	log := logrus.New()

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Workspace overlay and publication engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVarP(&dataPath, "data", "d", "", "data directory (overrides config)")

	open := func() (*stagehand.Stagehand, error) {
		var conf stagehand.Config
		if configPath != "" {
			var err error
			conf, err = stagehand.LoadConfig(configPath)
			if err != nil {
				return nil, fmt.Errorf("loading config: %w", err)
			}
		}
		if dataPath != "" {
			conf.Paths = []string{dataPath}
		}
		conf.Logger = log
		return stagehand.Open(conf)
	}

	publishCmd := &cobra.Command{
		Use:   "publish <workspace-id>",
		Short: "Publish a workspace into the base store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			rec, err := s.Engine.Publish(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.Infof("published %d objects from workspace %q", len(rec.Objects), args[0])
			return nil
		},
	}

	revertCmd := &cobra.Command{
		Use:   "revert <workspace-id>",
		Short: "Undo a workspace's publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Engine.Revert(cmd.Context(), args[0])
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <workspace-id>",
		Short: "Export a workspace into a transfer bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			archive, err := s.Exporter.Export(cmd.Context(), args[0], exportDir)
			if err != nil {
				return err
			}
			fmt.Println(archive)
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&exportDir, "out", "o", ".", "directory to write the bundle into")

	importCmd := &cobra.Command{
		Use:   "import <bundle-path> <workspace-id>",
		Short: "Import a transfer bundle into a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Importer.Import(cmd.Context(), args[0], args[1])
		},
	}

	deployCmd := &cobra.Command{
		Use:   "deploy <workspace-id>",
		Short: "Export a workspace and push it to the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Deploy(cmd.Context(), args[0])
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			log.Infof("transfer receiver listening on %s", listenAddr)
			return http.ListenAndServe(listenAddr, s.Server())
		},
	}
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8383", "listen address")

	root.AddCommand(publishCmd, revertCmd, exportCmd, importCmd, deployCmd, serveCmd)

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
