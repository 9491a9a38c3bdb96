package unet

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config mirrors the subset of the diffusers UNet2DConditionModel
// configuration that callers read.
type Config struct {
	InChannels        int    `json:"in_channels"`
	OutChannels       int    `json:"out_channels"`
	SampleSize        int    `json:"sample_size"`
	BlockOutChannels  []int  `json:"block_out_channels"`
	LayersPerBlock    int    `json:"layers_per_block"`
	CrossAttentionDim int    `json:"cross_attention_dim"`
	TimeEmbedDim      int    `json:"time_embedding_dim,omitempty"`
	AdditionEmbedType string `json:"addition_embed_type,omitempty"`

	// Seed initializes the weights of synthetic networks.
	Seed uint64 `json:"seed,omitempty"`
}

// DefaultConfig is a small SD-like layout: four resolution levels with two
// resnets each.
func DefaultConfig() Config {
	return Config{
		InChannels:        4,
		OutChannels:       4,
		SampleSize:        8,
		BlockOutChannels:  []int{32, 64, 64, 64},
		LayersPerBlock:    2,
		CrossAttentionDim: 16,
		TimeEmbedDim:      32,
	}
}

// LoadConfig reads a JSON config. Fields missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	bts, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(bts, &cfg); err != nil {
		return cfg, fmt.Errorf("unet: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Device identifies where a network executes.
type Device struct {
	// ID is an identifier for the device, e.g. "0". Empty for the host.
	ID string `json:"id"`

	// Library identifies which library is used for the device (e.g. CPU, CUDA).
	Library string `json:"backend,omitempty"`
}

var CPU = Device{Library: "cpu"}

func (d Device) String() string {
	if d.ID == "" {
		return d.Library
	}

	return d.Library + ":" + d.ID
}
