package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// maxFolderDepth bounds ancestor walks against cyclic or corrupt trees.
const maxFolderDepth = 256

// expandScope resolves the scope folders to the working set of a rebuild.
// Configured folders are visited newest first; recursive scopes add every
// descendant folder. Vanished folders are skipped.
func (e *Engine) expandScope(ctx context.Context, storeID int64, scope types.Scope) ([]int64, map[int64]bool, error) {
	set := make(map[int64]bool)
	var folders []int64

	add := func(id int64) bool {
		if set[id] {
			return false
		}
		set[id] = true
		folders = append(folders, id)
		return true
	}

	for i := len(scope.Folders) - 1; i >= 0; i-- {
		root := scope.Folders[i]
		if !add(root) || !scope.Recursive {
			continue
		}

		pending := []int64{root}
		for len(pending) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			folder := pending[0]
			pending = pending[1:]

			children, err := e.objects.ListSubfolders(ctx, storeID, folder)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("list subfolders of %d: %w", folder, err)
			}
			for _, child := range children {
				if add(child) {
					pending = append(pending, child)
				}
			}
		}
	}
	return folders, set, nil
}

// ancestry answers scope-membership questions for one store, caching
// parent links for the duration of one ProcessFolderChange call.
type ancestry struct {
	objects types.ObjectService
	storeID int64
	parents map[int64]int64
}

func newAncestry(objects types.ObjectService, storeID int64) *ancestry {
	return &ancestry{
		objects: objects,
		storeID: storeID,
		parents: make(map[int64]int64),
	}
}

func (a *ancestry) parent(ctx context.Context, folderID int64) (int64, error) {
	if p, ok := a.parents[folderID]; ok {
		return p, nil
	}
	p, err := a.objects.GetParent(ctx, a.storeID, folderID)
	if err != nil {
		return 0, err
	}
	a.parents[folderID] = p
	return p, nil
}

// inScope reports whether folderID is a scope folder or, for recursive
// scopes, a descendant of one. A vanished folder is out of scope.
func (a *ancestry) inScope(ctx context.Context, folderID int64, def *types.SearchDefinition) (bool, error) {
	if def.InScope(folderID) {
		return true, nil
	}
	if !def.Scope.Recursive {
		return false, nil
	}

	current := folderID
	for depth := 0; depth < maxFolderDepth; depth++ {
		p, err := a.parent(ctx, current)
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p == 0 || p == current {
			return false, nil
		}
		if def.InScope(p) {
			return true, nil
		}
		current = p
	}
	return false, fmt.Errorf("folder %d: ancestry deeper than %d levels", folderID, maxFolderDepth)
}
