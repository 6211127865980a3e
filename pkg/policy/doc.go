// Package policy decides, with Open Policy Agent, whether a script component
// may be deployed to an environment tier.
//
// Every policy is a Rego module in the deployd.tier package that adds
// messages to the skip set. A component deploys when the set is empty;
// otherwise its result becomes a warning carrying the messages.
//
// # Architecture
//
//  1. Engine - compiles all enabled modules into one prepared query and
//     implements engine.TierPolicy
//  2. Loader - reads .rego and .json policy files and watches them with fsnotify
//  3. Built-in policies - the non-production-only rule
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/deployd/policies"}); err != nil {
//	    return err
//	}
//	if err := pe.Watch(ctx, []string{"/etc/deployd/policies"}); err != nil {
//	    return err
//	}
//
// An operator freeze window:
//
//	package deployd.tier
//
//	import rego.v1
//
//	skip contains msg if {
//	    input.production
//	    input.project == "billing"
//	    msg := "billing is frozen for quarter close"
//	}
//
// # Input
//
// The input document has component, kind, non_production_only, environment,
// production and project.
//
// # Reloads
//
// A reload that fails to parse or compile is logged and the previous policy
// set stays active, so a bad edit never removes a guard.
package policy
