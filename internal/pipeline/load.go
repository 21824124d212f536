package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/conveyorhq/conveyor/internal/dag"
)

// Load reads pipeline definitions from an .hcl file or from a directory
// tree of them. All definitions share one namespace: a pipeline name
// declared twice, in one file or across files, is an error. Settings a
// definition leaves unset fall back to the given retry defaults.
func Load(path string, defaults dag.RetryPolicy) ([]*Pipeline, error) {
	files, err := findFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl pipeline files under %s", path)
	}

	parser := hclparse.NewParser()
	evalCtx := evalContext()
	declaredIn := make(map[string]string)
	var pipelines []*Pipeline
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse %s: %w", file, diags)
		}
		var root pipelineFile
		if diags := gohcl.DecodeBody(f.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("decode %s: %w", file, diags)
		}
		for _, block := range root.Pipelines {
			if prev, dup := declaredIn[block.Name]; dup {
				return nil, fmt.Errorf("pipeline %q declared in both %s and %s", block.Name, prev, file)
			}
			declaredIn[block.Name] = file

			p, err := block.build(defaults)
			if err != nil {
				return nil, err
			}
			pipelines = append(pipelines, p)
		}
	}
	return pipelines, nil
}

// evalContext exposes the process environment to expressions in
// definition files as env.NAME, so endpoints and credentials stay out
// of the files themselves.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

// findFiles returns path itself when it is a file, otherwise every .hcl
// file under it. WalkDir visits in lexical order, so load order is
// stable.
func findFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".hcl") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
