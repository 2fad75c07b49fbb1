package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/imagvfx/grade"
)

// dagFile is a DAG described in YAML. Files are referred to by name.
//
//	files:
//	  source: {path: main.c}
//	executions:
//	  - name: compile
//	    command: gcc
//	    args: [-o, prog, main.c]
//	    inputs:
//	      main.c: {file: source}
//	    outputs:
//	      prog: binary
//	  - name: run
//	    command: prog
//	    local: true
//	    inputs:
//	      prog: {file: binary, executable: true}
//	    stdout: answer
//	write:
//	  answer: answer.txt
type dagFile struct {
	CacheMode  grade.CacheMode         `yaml:"cache_mode"`
	Priority   int                     `yaml:"priority"`
	DryRun     bool                    `yaml:"dry_run"`
	Files      map[string]providedFile `yaml:"files"`
	Executions []executionDesc         `yaml:"executions"`
	Write      map[string]string       `yaml:"write"`
}

// providedFile is content from the client: a local file or inline text.
type providedFile struct {
	Path    string  `yaml:"path"`
	Content *string `yaml:"content"`
}

type inputDesc struct {
	File       string `yaml:"file"`
	Executable bool   `yaml:"executable"`
}

type executionDesc struct {
	Name             string               `yaml:"name"`
	Command          string               `yaml:"command"`
	Local            bool                 `yaml:"local"`
	Args             []string             `yaml:"args"`
	Env              map[string]string    `yaml:"env"`
	Inputs           map[string]inputDesc `yaml:"inputs"`
	Stdin            string               `yaml:"stdin"`
	Stdout           string               `yaml:"stdout"`
	Stderr           string               `yaml:"stderr"`
	Outputs          map[string]string    `yaml:"outputs"`
	Limits           *grade.Limits        `yaml:"limits"`
	Cacheable        *bool                `yaml:"cacheable"`
	IgnoreFailedDeps bool                 `yaml:"ignore_failed_deps"`
	Priority         int                  `yaml:"priority"`
	Tag              string               `yaml:"tag"`
}

// loadedDAG is a DAG built from a dagFile.
type loadedDAG struct {
	DAG *grade.DAG
	// Files maps file names to their handles.
	Files map[string]grade.File
	// Names maps executions to their names.
	Names map[grade.ExecutionID]string
	// Write maps files to local paths they are written to after evaluation.
	Write map[grade.FileID]string
}

func readDAGFile(path string) (*loadedDAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var df dagFile
	err = yaml.Unmarshal(data, &df)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	// Relative paths are relative to the file.
	return df.build(filepath.Dir(path))
}

func (df *dagFile) build(base string) (*loadedDAG, error) {
	l := &loadedDAG{
		DAG:   grade.NewDAG(),
		Files: make(map[string]grade.File),
		Names: make(map[grade.ExecutionID]string),
		Write: make(map[grade.FileID]string),
	}
	if df.CacheMode.Mode != "" {
		l.DAG.Config.CacheMode = df.CacheMode
	}
	l.DAG.Config.Priority = df.Priority
	l.DAG.Config.DryRun = df.DryRun

	newFile := func(name string) (grade.File, error) {
		if _, ok := l.Files[name]; ok {
			return grade.File{}, fmt.Errorf("file %q defined twice", name)
		}
		f := grade.NewFile(name)
		l.Files[name] = f
		return f, nil
	}
	for name, p := range df.Files {
		f, err := newFile(name)
		if err != nil {
			return nil, err
		}
		switch {
		case p.Content != nil:
			l.DAG.ProvideContent(f, []byte(*p.Content))
		case p.Path != "":
			path := p.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			err := l.DAG.ProvideFile(f, path)
			if err != nil {
				return nil, fmt.Errorf("file %q: %w", name, err)
			}
		default:
			return nil, fmt.Errorf("file %q needs a path or content", name)
		}
	}

	// Outputs get their handles first, so executions can refer to
	// files produced later in the list.
	execs := make([]*grade.Execution, len(df.Executions))
	for i, ed := range df.Executions {
		cmd := grade.SystemCommand(ed.Command)
		if ed.Local {
			cmd = grade.LocalCommand(ed.Command)
		}
		e := grade.NewExecution(ed.Name, cmd)
		execs[i] = e
		l.Names[e.ID] = ed.Name
		if ed.Stdout != "" {
			f, err := newFile(ed.Stdout)
			if err != nil {
				return nil, err
			}
			e.Stdout = &f
		}
		if ed.Stderr != "" {
			f, err := newFile(ed.Stderr)
			if err != nil {
				return nil, err
			}
			e.Stderr = &f
		}
		for path, name := range ed.Outputs {
			f, err := newFile(name)
			if err != nil {
				return nil, err
			}
			e.Outputs[path] = f
		}
	}
	lookup := func(exec, name string) (grade.FileID, error) {
		f, ok := l.Files[name]
		if !ok {
			return "", fmt.Errorf("execution %q: unknown file %q", exec, name)
		}
		return f.ID, nil
	}
	for i, ed := range df.Executions {
		e := execs[i]
		e.SetArgs(ed.Args...)
		for k, v := range ed.Env {
			e.SetEnv(k, v)
		}
		for path, in := range ed.Inputs {
			id, err := lookup(ed.Name, in.File)
			if err != nil {
				return nil, err
			}
			e.AddInput(path, id, in.Executable)
		}
		if ed.Stdin != "" {
			id, err := lookup(ed.Name, ed.Stdin)
			if err != nil {
				return nil, err
			}
			e.SetStdin(id)
		}
		if ed.Limits != nil {
			e.Limits = *ed.Limits
		}
		if ed.Cacheable != nil {
			e.Cacheable = *ed.Cacheable
		}
		e.IgnoreFailedDeps = ed.IgnoreFailedDeps
		e.Priority = ed.Priority
		e.Tag = ed.Tag
		l.DAG.AddExecution(e)
	}
	for name, path := range df.Write {
		id, err := lookup("write", name)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		l.Write[id] = path
	}
	return l, nil
}
