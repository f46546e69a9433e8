/*
Copyright 2026 Calliq Authors

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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type healthz struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Exits non zero unless the daemon at CALLIQ_HTTP_ADDRESS reports healthy. Meant for
// container health checks, which is why it carries no dependencies beyond net/http.
func main() {
	addr := os.Getenv("CALLIQ_HTTP_ADDRESS")
	if addr == "" {
		addr = "localhost:9080"
	}
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/v1/healthz", addr))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var hc healthz
	if err := json.Unmarshal(body, &hc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if hc.Status != "healthy" {
		fmt.Fprintln(os.Stderr, hc.Message)
		os.Exit(2)
	}
}
