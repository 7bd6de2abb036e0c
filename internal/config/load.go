package config

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tauraamui/streamerd/pkg/configdef"
	"github.com/tauraamui/streamerd/pkg/log"
)

func load() (configdef.Values, error) {
	var values configdef.Values

	configPath, err := resolveConfigPath()
	if err != nil {
		return configdef.Values{}, err
	}

	log.Info("Resolved config file location: %s", configPath)
	file, err := readConfigFile(configPath)
	if err != nil {
		return configdef.Values{}, err
	}

	if err := unmarshal(file, &values); err != nil {
		return configdef.Values{}, err
	}

	if err = values.RunValidate(); err != nil {
		return configdef.Values{}, err
	}

	loadDefaultPipelineSettings(values.Pipelines)

	return values, nil
}

func loadDefaultPipelineSettings(pipelines []configdef.Pipeline) {
	for i := range pipelines {
		p := &pipelines[i]
		if p.PollTimeoutMS == 0 {
			p.PollTimeoutMS = defaultSettings[POLLTIMEOUTMS].(int)
		}
		if p.DrainTimeoutMS == 0 {
			p.DrainTimeoutMS = defaultSettings[DRAINTIMEOUTMS].(int)
		}
		if len(p.InvalidFrames) == 0 {
			p.InvalidFrames = defaultSettings[INVALIDFRAMES].(string)
		}
		if p.RawSnapshot != nil && p.RawSnapshot.Every == 0 {
			p.RawSnapshot.Every = 1
		}
	}
}

var readConfigFile = func(path string) ([]byte, error) {
	return afero.ReadFile(fs, path)
}

func unmarshal(content []byte, values *configdef.Values) error {
	err := json.Unmarshal(content, values)
	if err != nil {
		return errors.Errorf("parsing configuration error: %v", err)
	}
	return nil
}
