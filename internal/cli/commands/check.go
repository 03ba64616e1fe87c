// Copyright 2025 BranchFS Authors
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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"branchfs/internal/config"
	"branchfs/internal/vfs"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and probe the backstore",
	Long: `Load the configuration, validate it, and bring a filesystem core up and
down once to verify the configured backstore is reachable.

Examples:
  branchfs check
  branchfs check --config fs.yaml`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	core, err := vfs.New(cfg)
	if err != nil {
		return fmt.Errorf("backstore %q: %w", cfg.Backstore.Mode, err)
	}
	defer core.Shutdown()

	fmt.Printf("Config: ok\n")
	fmt.Printf("Backstore: %s", cfg.Backstore.Mode)
	if cfg.Backstore.Root != "" {
		fmt.Printf(" (%s)", cfg.Backstore.Root)
	}
	fmt.Println()
	if cfg.Overlay.Enabled {
		fmt.Printf("Overlay: %s (%d exclude patterns)\n", cfg.Overlay.LowerRoot, len(cfg.Overlay.Exclude))
	} else {
		fmt.Println("Overlay: disabled")
	}
	fmt.Printf("Permissions: enforce=%v root-bypass=%v\n",
		cfg.Security.EnforcePosixPermissions, cfg.Security.RootBypass())
	return nil
}
