package dealer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/IshaanNene/forecourt/internal/types"
)

// ErrFileNotFound is returned when the dealer file does not exist.
var ErrFileNotFound = errors.New("dealer file not found")

// dealerFile is the on-disk layout:
//
//	dealers:
//	  - id: avon
//	    site_url: https://www.avon-automotive.com
//	    listing_paths: [/used/cars]
type dealerFile struct {
	Dealers []types.DealerConfig `yaml:"dealers"`
}

// FileProvider serves dealers read from a YAML file at construction time.
type FileProvider struct {
	*StaticProvider
}

// NewFileProvider loads dealer configurations from path.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}

	var f dealerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dealer file %s: %w", path, err)
	}

	logger.With("component", "dealer_provider").Debug("dealer file loaded", "path", path, "dealers", len(f.Dealers))
	return &FileProvider{
		StaticProvider: NewStaticProvider(f.Dealers),
	}, nil
}
