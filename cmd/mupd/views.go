package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/router"
	"github.com/HsiangNianian/mup/internal/session"
)

// views serves static component trees keyed by intent. They are loaded once
// from <dir>/<intent>.json.
type views struct {
	byIntent map[string]*component.Component
}

func loadViews(dir string) (*views, error) {
	v := &views{byIntent: make(map[string]*component.Component)}
	if dir == "" {
		return v, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read views dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read view %s: %w", e.Name(), err)
		}
		var root component.Component
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("parse view %s: %w", e.Name(), err)
		}
		v.byIntent[strings.TrimSuffix(e.Name(), ".json")] = &root
	}
	return v, nil
}

func (v *views) intents() []string {
	out := make([]string, 0, len(v.byIntent))
	for intent := range v.byIntent {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

func (v *views) lookup(intent string) (*component.Component, error) {
	if root, ok := v.byIntent[intent]; ok {
		return root.Clone(), nil
	}
	if len(v.byIntent) == 0 {
		return welcome(intent), nil
	}
	return nil, protocol.Errorf(protocol.CodeRouteNotFound, "no view for intent %q", intent)
}

// Generate answers ui-requests without an action.
func (v *views) Generate(_ context.Context, _ *session.Session, req protocol.UIRequest) (*component.Component, error) {
	return v.lookup(req.Intent)
}

// handle serves /views/:intent so buttons can navigate between views.
func (v *views) handle(c *router.Context) (any, error) {
	return v.lookup(c.Param("intent"))
}

func welcome(intent string) *component.Component {
	body := "No views are configured."
	if intent != "" {
		body = fmt.Sprintf("No view is configured for %q.", intent)
	}
	return component.New("welcome", "card",
		component.New("welcome-heading", "heading").
			WithProp("content", component.String("mupd")).
			WithProp("level", component.Number(1)),
		component.New("welcome-body", "text").
			WithProp("content", component.String(body)),
	).WithProp("title", component.String("Welcome"))
}
