package redis_functions

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Keys shared between the Lua library and the Go code that reads them back.
const (
	PresenceGroupsKey = "presence:groups"
	PresenceOnlineKey = "presence:online"
)

//go:embed *.lua
var fs embed.FS

// LoadAll (re)loads every embedded Lua library so FCall always runs the
// version shipped with this binary.
func LoadAll(ctx context.Context, rdb redis.Cmdable) error {
	files, err := fs.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read embed dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".lua") {
			continue
		}
		code, err := fs.ReadFile(f.Name())
		if err != nil {
			return err
		}
		lib, err := rdb.FunctionLoadReplace(ctx, string(code)).Result()
		if err != nil {
			return fmt.Errorf("load lua %s: %w", f.Name(), err)
		}
		zap.L().Info("redis library loaded", zap.String("file", f.Name()), zap.String("library", lib))
	}
	return nil
}
