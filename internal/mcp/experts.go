// ABOUTME: Expert profile source backing deepr://experts/{id}/{profile|beliefs|gaps}
// ABOUTME: The filesystem source reads {dir}/{id}/{sub}.json

package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/2389/deepr-mcp/internal/resource"
)

// ExpertSource supplies expert subresources.
type ExpertSource interface {
	// ReadExpert returns the JSON document for an expert subresource, or an
	// error wrapping ErrNotFound.
	ReadExpert(ctx context.Context, id, sub string) ([]byte, error)
	// ListExperts returns every expert ID.
	ListExperts(ctx context.Context) ([]string, error)
}

// FileExpertSource reads experts from a directory tree.
type FileExpertSource struct {
	Dir string
}

// ReadExpert reads {Dir}/{id}/{sub}.json.
func (s FileExpertSource) ReadExpert(_ context.Context, id, sub string) ([]byte, error) {
	if s.Dir == "" {
		return nil, fmt.Errorf("%w: no experts directory", ErrNotFound)
	}
	if !resource.ValidID(id) || !resource.ValidSubresource(resource.TypeExperts, sub) {
		return nil, fmt.Errorf("%w: expert %s/%s", resource.ErrInvalidURI, id, sub)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir, id, sub+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: expert %s/%s", ErrNotFound, id, sub)
	}
	if err != nil {
		return nil, fmt.Errorf("reading expert %s/%s: %w", id, sub, err)
	}
	return data, nil
}

// ListExperts returns the names of subdirectories whose names are valid IDs.
func (s FileExpertSource) ListExperts(_ context.Context) ([]string, error) {
	if s.Dir == "" {
		return nil, nil
	}
	return listIDDirs(s.Dir)
}

// listIDDirs returns subdirectories of dir that are valid resource IDs. A
// missing dir yields no IDs.
func listIDDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && resource.ValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
