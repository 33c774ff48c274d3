package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/msageha/cogno/internal/model"
)

var promptStages = []model.Stage{
	model.StageResolve,
	model.StageGenerate,
	model.StageConsolidate,
	model.StageSummarize,
}

// Prompts holds one template set per stage. Each set defines "system" and "user".
type Prompts struct {
	sets map[model.Stage]*template.Template
}

// LoadPrompts parses prompts/<stage>.tmpl from fsys. Times render in loc.
func LoadPrompts(fsys fs.FS, loc *time.Location) (*Prompts, error) {
	if loc == nil {
		loc = time.UTC
	}
	p := &Prompts{sets: make(map[model.Stage]*template.Template, len(promptStages))}
	for _, stage := range promptStages {
		name := "prompts/" + string(stage) + ".tmpl"
		t, err := template.New(string(stage)).Funcs(promptFuncs(loc)).ParseFS(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for _, part := range []string{"system", "user"} {
			if t.Lookup(part) == nil {
				return nil, fmt.Errorf("%s: missing %q template", name, part)
			}
		}
		p.sets[stage] = t
	}
	return p, nil
}

func (p *Prompts) Render(stage model.Stage, data any) (system, user string, err error) {
	t, ok := p.sets[stage]
	if !ok {
		return "", "", fmt.Errorf("no prompt for stage %q", stage)
	}
	var sb, ub bytes.Buffer
	if err := t.ExecuteTemplate(&sb, "system", data); err != nil {
		return "", "", fmt.Errorf("render %s system: %w", stage, err)
	}
	if err := t.ExecuteTemplate(&ub, "user", data); err != nil {
		return "", "", fmt.Errorf("render %s user: %w", stage, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

func promptFuncs(loc *time.Location) template.FuncMap {
	return template.FuncMap{
		"ts": func(t time.Time) string {
			return t.In(loc).Format("2006-01-02 15:04 (Mon)")
		},
		"tsp": func(t *time.Time) string {
			if t == nil {
				return "none"
			}
			return t.In(loc).Format("2006-01-02 15:04 (Mon)")
		},
		"str": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"ids": func(ids []int64) string {
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = strconv.FormatInt(id, 10)
			}
			return strings.Join(parts, ", ")
		},
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		"zone": func() string { return loc.String() },
	}
}
