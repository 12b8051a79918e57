// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command vigil runs the Vigil attention coordinator and inspects its
// stored state.
//
// Usage:
//
//	vigil serve --config ~/.vigil/config.yaml
//	vigil ledger
//	vigil history --limit 20
//	vigil summaries
//	vigil clear-history
//
// The OpenAI key is read from OPENAI_API_KEY or /run/secrets/openai_api_key.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
