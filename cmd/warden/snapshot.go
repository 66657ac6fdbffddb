// Copyright 2025 Warden Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/wardenlabs/warden/backup"
	"github.com/wardenlabs/warden/database/sops"
	"github.com/wardenlabs/warden/internal/config"
)

func snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Guild snapshot management commands",
	}

	cmd.AddCommand(snapshotListCommand())
	cmd.AddCommand(snapshotInfoCommand())
	cmd.AddCommand(snapshotDecryptCommand())

	return cmd
}

// resolveBackupDir returns the snapshot directory from config, falling
// back to the default location under the data directory.
func resolveBackupDir(cfg *config.Config) string {
	if cfg.Backup.Dir != "" {
		return cfg.Backup.Dir
	}
	return filepath.Join(cfg.DataDir, "backups")
}

func snapshotListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshot files in the backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}

			backupDir := resolveBackupDir(cfg)
			entries, err := os.ReadDir(backupDir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Println("No snapshots available.")
					return nil
				}
				return fmt.Errorf("listing snapshots: %w", err)
			}

			type snapshotFile struct {
				name    string
				size    int64
				modTime time.Time
			}
			files := []snapshotFile{}
			for _, entry := range entries {
				if entry.IsDir() ||
					filepath.Ext(entry.Name()) != ".json" {
					continue
				}
				info, err := entry.Info()
				if err != nil {
					continue
				}
				files = append(files, snapshotFile{
					name:    entry.Name(),
					size:    info.Size(),
					modTime: info.ModTime(),
				})
			}
			if len(files) == 0 {
				fmt.Println("No snapshots available.")
				return nil
			}
			// Newest first
			sort.Slice(files, func(i, j int) bool {
				return files[i].modTime.After(files[j].modTime)
			})

			fmt.Printf(
				"%-42s  %10s  %s\n",
				"FILE",
				"SIZE",
				"MODIFIED",
			)
			for _, f := range files {
				fmt.Printf(
					"%-42s  %10s  %s\n",
					f.name,
					humanBytes(f.size),
					f.modTime.UTC().Format(time.RFC3339),
				)
			}

			return nil
		},
	}
	return cmd
}

func snapshotInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Show details of a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading snapshot: %w", err)
			}

			encrypted := backup.Encrypted(data)
			snap, err := backup.Decode(data)
			if err != nil {
				return err
			}

			fmt.Printf("ID:        %s\n", snap.ID)
			fmt.Printf(
				"Taken At:  %s\n",
				snap.TakenAt.UTC().Format(time.RFC3339),
			)
			fmt.Printf("Guild:     %s (%s)\n", snap.GuildName, snap.GuildID)
			fmt.Printf("Members:   %d\n", len(snap.Members))
			fmt.Printf("Channels:  %d\n", len(snap.Channels))
			fmt.Printf("Roles:     %d\n", len(snap.Roles))
			fmt.Printf("Encrypted: %t\n", encrypted)

			return nil
		},
	}
	return cmd
}

func snapshotDecryptCommand() *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "decrypt <file>",
		Short: "Decrypt a snapshot file and emit the plaintext JSON",
		Long: `Decrypt a snapshot file using the key material in the environment
(SOPS_AGE_KEY or SOPS_AGE_KEY_FILE for age, ambient credentials for
GCP or AWS KMS) and emit the plaintext JSON. A file that is already
plaintext is passed through unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading snapshot: %w", err)
			}

			if backup.Encrypted(data) {
				data, err = sops.Decrypt(data)
				if err != nil {
					return fmt.Errorf("decrypting snapshot: %w", err)
				}
			}

			if outputFile != "" {
				if err := os.WriteFile(outputFile, data, 0o600); err != nil {
					return fmt.Errorf("writing plaintext: %w", err)
				}
				return nil
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
	cmd.Flags().
		StringVarP(&outputFile, "output", "o", "", "write plaintext to file instead of stdout")
	return cmd
}

func humanBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
