// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"encoding/json"
	"os"

	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
)

// FleetConfig is the JSON structure of the fleet configuration file.
type FleetConfig struct {
	Servers []*Server `json:"servers"`
}

// LoadFleetFromFile loads and validates the server fleet from a JSON file.
// Any malformed record or shard-invariant violation fails the load; a
// process must not start on a fleet it cannot fully validate.
func LoadFleetFromFile(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindConfigError, err, "read fleet file %s", path)
	}

	var cfg FleetConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, blockerr.Wrap(blockerr.KindConfigError, err, "parse fleet JSON %s", path)
	}
	if len(cfg.Servers) == 0 {
		return nil, blockerr.New(blockerr.KindConfigError, "fleet file %s has no servers", path)
	}

	return NewFleet(cfg.Servers)
}
