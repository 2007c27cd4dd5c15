package configs

import (
	"fmt"

	"github.com/yeisme/curatevault/pkg/rule"
)

// Validate 按 rule 标签校验配置.
func (c *AppConfig) Validate() error {
	if err := rule.ValidateStruct(c); err != nil {
		return fmt.Errorf("%v", rule.Errors(err))
	}

	if c.Worker.MaxInterval > 0 && c.Worker.InitialInterval > c.Worker.MaxInterval {
		return fmt.Errorf("worker.initial_interval (%s) exceeds worker.max_interval (%s)",
			c.Worker.InitialInterval, c.Worker.MaxInterval)
	}

	return nil
}
