package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
)

const ListDirectoryName = "list_directory_contents"

func ListDirectory() Tool {
	return Tool{
		Name:        ListDirectoryName,
		Description: "Returns the files and folders in a directory. Use it to explore the local file system.",
		Schema: objectSchema([]string{"directory"}, map[string]any{
			"directory": stringProp("Absolute or relative path of the directory to list."),
		}),
		Run: runListDirectory,
	}
}

func runListDirectory(_ context.Context, args Args) (string, error) {
	dir, err := args.String("directory")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "[]", nil
	}
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
