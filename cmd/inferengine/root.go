/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command when inferengine is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "inferengine",
	Short: "Paged-KV-cache inference worker",
	Long: `inferengine runs a single model worker: request intake, chat-template
rendering, tokenization, paged KV-cache management, scheduling, sampling,
and (optionally) speculative decoding.

Examples:
  inferengine serve --config worker.yaml`,
}

// Execute runs the root command; called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
