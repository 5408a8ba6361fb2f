// Package policy guards intents with Rego policies evaluated by OPA.
//
// Every policy is a Rego module whose package defines a "deny" set. Entries
// are either plain strings, reported with the policy's default severity, or
// objects of the form
//
//	{"message": "...", "severity": "warning", "remediation": "..."}
//
// The input document has two keys. "intent" is the IntentDocument of the
// install or uninstall being guarded, with passwords reduced to a
// has_password flag. "context" is the PolicyContext of the run.
//
// Violations with severity error or critical block the intent; others are
// returned as warnings. A policy that fails to evaluate is reported in
// PolicyResult.Failures without blocking.
//
// The engine ships four built-in policies:
//
//   - physical-path: install intents need an absolute physical path
//   - process-identity: SpecificUser pools need a username; LocalSystem is flagged
//   - root-application: uninstalling a site's root application is flagged
//   - legacy-runtime: pools on the v2.0 runtime are flagged
//
// Additional policies are loaded from .rego files, single-policy .json files
// or .json bundles with LoadPolicies, and can be hot reloaded with
// WatchPolicies:
//
//	eng, err := policy.NewEngine(logger, metrics)
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//		return err
//	}
//	result, err := eng.Evaluate(ctx, intent, &policy.PolicyContext{Environment: "production"})
package policy
