package main

import (
	"reflect"
	"testing"
)

func TestReorderArgs(t *testing.T) {
	boolFlags := map[string]bool{"json": true}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "flags already first",
			args: []string{"--json", "-c", "3", "node-002"},
			want: []string{"--json", "-c", "3", "node-002"},
		},
		{
			name: "target before flags",
			args: []string{"node-002", "--json"},
			want: []string{"--json", "node-002"},
		},
		{
			name: "target between flags",
			args: []string{"node-002", "--json", "-c", "3"},
			want: []string{"--json", "-c", "3", "node-002"},
		},
		{
			name: "target first with mixed flags",
			args: []string{"node-002", "-c", "5", "--json", "--interval", "2s"},
			want: []string{"-c", "5", "--json", "--interval", "2s", "node-002"},
		},
		{
			name: "only target",
			args: []string{"node-002"},
			want: []string{"node-002"},
		},
		{
			name: "only flags",
			args: []string{"--json", "-c", "3"},
			want: []string{"--json", "-c", "3"},
		},
		{
			name: "flag with equals",
			args: []string{"node-002", "--config=/path/to/config"},
			want: []string{"--config=/path/to/config", "node-002"},
		},
		{
			name: "empty args",
			args: []string{},
			want: nil, // append(nil, nil...) = nil
		},
		{
			name: "bool flag between value flags",
			args: []string{"-c", "10", "node-002", "--json", "--interval", "500ms"},
			want: []string{"-c", "10", "--json", "--interval", "500ms", "node-002"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reorderArgs(tt.args, boolFlags)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("reorderArgs(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}
