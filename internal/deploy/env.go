package deploy

import (
	"bytes"
	"context"
	"fmt"

	"github.com/compose-spec/compose-go/v2/dotenv"

	"podhost/internal/host"
)

// envPortKeys are read from the env file, in precedence order, when no
// container port is given.
var envPortKeys = []string{"PORT", "APP_PORT", "CONTAINER_PORT"}

func (d *Deployer) envPortFallbacks(ctx context.Context, envFile string) ([]string, error) {
	if envFile == "" {
		return nil, nil
	}
	p, err := host.ExpandHome(ctx, d.host, envFile)
	if err != nil {
		return nil, err
	}
	data, err := d.host.ReadFile(ctx, p)
	if host.IsNotExist(err) {
		// The container run reports the missing file.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	env, err := dotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse env file %s: %w", p, err)
	}
	var out []string
	for _, k := range envPortKeys {
		if v, ok := env[k]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}
