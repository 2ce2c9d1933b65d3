package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// - a pipeline file names a toolchain matrix and an ordered script
// - each toolchain entry expands into one job, jobs execute in parallel
// - within a job, before_script then script execute serially, fail-stop
// - the matrix block tolerates failures: allow_failures names jobs whose
//   outcome never flips the verdict, fast_finish reports the verdict as
//   soon as every required job is terminal

type (
	// Definition is simply a structural representation of the pipeline file.
	Definition struct {
		Name         string            `yaml:"name"`
		Toolchains   StringList        `yaml:"toolchains"`
		Matrix       Matrix            `yaml:"matrix"`
		BeforeScript StringList        `yaml:"before_script"`
		Script       StringList        `yaml:"script"`
		Env          map[string]string `yaml:"env"`
		Shell        *bool             `yaml:"shell"`
		Timeout      string            `yaml:"timeout"`
		JobTimeout   string            `yaml:"job_timeout"`
		Image        string            `yaml:"image"`
		Cache        *CacheOpts        `yaml:"cache"`
	}

	Matrix struct {
		AllowFailures StringList `yaml:"allow_failures"`
		FastFinish    bool       `yaml:"fast_finish"`
	}

	CacheOpts struct {
		Key   string     `yaml:"key"`
		Paths StringList `yaml:"paths"`
	}

	StringList []string
)

func FromFile(path string, contents []byte) (Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return def, err
	}

	if def.Name == "" {
		base := filepath.Base(path)
		base = strings.TrimSuffix(base, filepath.Ext(base))
		def.Name = strings.TrimPrefix(base, ".")
	}

	return def, nil
}

// UseShell reports whether steps run through a shell. Absent means yes;
// shell: false switches every step to argv form.
func (d *Definition) UseShell() bool {
	return d.Shell == nil || *d.Shell
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
