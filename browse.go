package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkarvo/lrsync/internal/tokenstore"
)

func newFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List Google Drive folders",
		Long:  "List Drive folders to find the source folder id for 'lrsync sync --folder'.",
		RunE:  runFolders,
	}
}

func newAlbumsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "albums",
		Short: "List Lightroom albums",
		Long:  "List Lightroom albums to find the destination album id for 'lrsync sync --album'.",
		RunE:  runAlbums,
	}
}

type folderOutput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func runFolders(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}

	folders, err := newDriveClient(defaultHTTPClient(), store, resolvedCfg, logger).ListFolders(ctx)
	if err != nil {
		return friendlyAuthError(err)
	}

	if flagJSON {
		out := make([]folderOutput, 0, len(folders))
		for _, f := range folders {
			out = append(out, folderOutput{ID: f.ID, Name: f.Name})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	rows := make([][]string, 0, len(folders))
	for _, f := range folders {
		rows = append(rows, []string{f.ID, f.Name})
	}

	printTable(os.Stdout, []string{"ID", "NAME"}, rows)

	return nil
}

type albumOutput struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subtype string `json:"subtype"`
}

func runAlbums(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}

	lr := newLightroomClient(defaultHTTPClient(), store, resolvedCfg, logger)

	catalogID, err := resolveCatalogID(ctx, store, lr, tokenPath(resolvedCfg, tokenstore.ProviderLightroom), logger)
	if err != nil {
		return friendlyAuthError(err)
	}

	albums, err := lr.ListAlbums(ctx, catalogID)
	if err != nil {
		return friendlyAuthError(err)
	}

	if flagJSON {
		out := make([]albumOutput, 0, len(albums))
		for _, a := range albums {
			out = append(out, albumOutput{ID: a.ID, Name: a.Name, Subtype: a.Subtype})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	rows := make([][]string, 0, len(albums))
	for _, a := range albums {
		rows = append(rows, []string{a.ID, a.Subtype, a.Name})
	}

	printTable(os.Stdout, []string{"ID", "TYPE", "NAME"}, rows)

	return nil
}
