package unet

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/pdevine/tensor"
)

// DecodeKwargs decodes the scalar entries of kwargs into the struct pointed
// to by v, using `mapstructure` tags. Keys without a matching field are
// ignored so one kwargs map can serve several consumers.
func DecodeKwargs(kwargs map[string]any, v any) error {
	if len(kwargs) == 0 {
		return nil
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(kwargs); err != nil {
		return fmt.Errorf("unet: decode kwargs: %w", err)
	}

	return nil
}

// KwargTensor returns the tensor stored under key, or nil if absent.
func KwargTensor(kwargs map[string]any, key string) (*tensor.Dense, error) {
	v, ok := kwargs[key]
	if !ok || v == nil {
		return nil, nil
	}

	t, ok := v.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("unet: kwarg %q: expected *tensor.Dense, got %T", key, v)
	}

	return t, nil
}
