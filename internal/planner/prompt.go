package planner

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed prompts/planner.md
var defaultPlannerPrompt string

// PromptManager loads prompt fragments from a directory. planner.md replaces
// the built-in planner prompt; every other .md file is appended as
// organisation context.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetPlannerPrompt returns planner.md from the directory, or the embedded
// default when the directory has none.
func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	if pm == nil || pm.Directory == "" {
		return defaultPlannerPrompt, nil
	}
	path := filepath.Join(pm.Directory, "planner.md")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultPlannerPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read planner prompt: %v", err)
	}
	return string(data), nil
}

// GetContextPrompt joins the remaining prompt files. A missing directory
// yields an empty context.
func (pm *PromptManager) GetContextPrompt() (string, error) {
	if pm == nil || pm.Directory == "" {
		return "", nil
	}
	files, err := os.ReadDir(pm.Directory)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	// Sort files to ensure deterministic prompt order
	order := map[string]int{
		"identity.md":   1,
		"company.md":    2,
		"guidelines.md": 3,
		"user.md":       4,
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".md") && f.Name() != "planner.md" {
			path := filepath.Join(pm.Directory, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
				continue
			}
			contents = append(contents, string(data))
		}
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}
