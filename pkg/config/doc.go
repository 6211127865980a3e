// Package config loads the orchestrator configuration and evaluates request
// property scripts.
//
// # Loading
//
// Load applies, in order:
//
//  1. Defaults (Default)
//  2. The configuration file, YAML/JSON or CUE, checked against the
//     embedded CUE schema so unknown keys are errors
//  3. DEPLOYD_* environment variables, with a .env file next to the
//     configuration as fallback
//  4. Struct validation with go-playground/validator
//
// Every problem found by the schema or the validator is returned together as
// ValidationErrors.
//
// # Example
//
//	instance:
//	  id: orchestrator-eu-1
//	  production: true
//	engine:
//	  iteration_delay: 5s
//	  staleness_threshold: 24h
//	sweeper:
//	  mode: independent
//	store:
//	  driver: postgres
//	  dsn: postgres://deployd@db/deployd
//	workers:
//	  executables:
//	    default: /usr/local/bin/deploy-runner
//	    py3: /usr/local/bin/deploy-runner-py3
//	  socket_dir: /run/deployd
//	credentials:
//	  env_file: /etc/deployd/credentials.env
//	policy:
//	  paths: [/etc/deployd/policies]
//	  watch: true
//
// # Property scripts
//
// StarlarkEvaluator implements engine.PropertyScripter. A request's
// properties script sees environment, project, build, production and
// properties as globals; the globals it defines are merged over the
// request properties:
//
//	replicas = 3 if production else 1
//	db_host = "%s-db.internal" % environment
package config
