package languages

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Profile
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Profile),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
}

func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[id]
	if !ok {
		return Profile{}, ErrLanguageNotFound
	}
	return lang, nil
}

// List returns the registered profiles ordered by id.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Profile, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func (r *Registry) registerDefaults() {
	r.Register(Profile{
		ID:         "cpp",
		Name:       "C++",
		Image:      "gcc:13",
		SourceFile: "main.cpp",
		BaseName:   "main",
		SourceMode: 0o644,
		InputMode:  0o644,
		Probe:      []string{"g++", "--version"},
		Compile:    []string{"g++", "-std=c++17", "-O2", "-o", PlaceholderBase, PlaceholderSource},
		Run:        []string{"./" + PlaceholderBase},
	})

	r.Register(Profile{
		ID:         "java",
		Name:       "Java",
		Image:      "eclipse-temurin:21-jdk",
		SourceFile: "Main.java",
		BaseName:   "Main",
		SourceMode: 0o644,
		InputMode:  0o644,
		Probe:      []string{"java", "-version"},
		Compile:    []string{"javac", PlaceholderSource},
		Run:        []string{"java", "-Xss64m", "-cp", ".", PlaceholderBase},
	})

	r.Register(Profile{
		ID:         "python",
		Name:       "Python",
		Image:      "python:3.12-slim",
		SourceFile: "main.py",
		BaseName:   "main",
		SourceMode: 0o755,
		InputMode:  0o644,
		Probe:      []string{"python3", "--version"},
		Run:        []string{"python3", PlaceholderSource},
	})

	r.Register(Profile{
		ID:         "javascript",
		Name:       "JavaScript",
		Image:      "node:20-slim",
		SourceFile: "main.js",
		BaseName:   "main",
		SourceMode: 0o644,
		InputMode:  0o644,
		Probe:      []string{"node", "--version"},
		Run:        []string{"node", PlaceholderSource},
	})
}
