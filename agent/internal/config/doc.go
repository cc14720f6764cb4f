// Package config loads and watches the alertflow-agent configuration file.
//
// AgentConfig lists the scraped sources and the watch rules that turn
// metric families into raw-sample alarms. A watch rule that names a kind
// (cpu, memory, disk) but no threshold gets the built-in utilisation
// threshold for its level.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. The agent logs the change; sources
// and watches are only rebuilt on restart.
package config
