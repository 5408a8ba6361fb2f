// Package config parses sitekick task files.
//
// A task file is CUE. It names a set of hosts, declares settings, and lists
// install and uninstall tasks that run in declaration order:
//
//	name: "shop-rollout"
//
//	settings: root: "D:/sites"
//
//	hosts: web01: {
//		backend: "ssh"
//		ssh: {user: "deploy", auth_method: "agent"}
//	}
//
//	tasks: {
//		api: {
//			action:        "install"
//			host:          "web01"
//			site:          "Shop"
//			application:   "api"
//			physical_path: "{{root}}/api"
//		}
//		legacy: {action: "uninstall", host: "web01", site: "Shop", application: "legacy"}
//	}
//
// Parsing happens in stages. The file is first unified with the built-in
// #TaskFile schema held by SchemaRegistry. The optional settings_script is
// then run by StarlarkEvaluator and its scalar globals join the settings.
// Next, {{name}} tokens in task and host strings are replaced, and finally the
// decoded structs are checked with validator tags.
//
// Problems found along the way are collected in TaskFile.Errors with file
// and line information where CUE provides it. Load turns them into a single
// error; Parse and ParseInline leave them to the caller.
//
//	parser := config.NewCUEParser()
//	file, err := parser.Load(ctx, "rollout.cue")
//	if err != nil {
//		return err
//	}
//	for _, intent := range file.Intents() {
//		...
//	}
package config
