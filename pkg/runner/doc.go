// Package runner runs the tasks of a sitekick task file.
//
// Each task goes through three phases in declaration order:
//
//  1. Policy: the intent is evaluated by the policy engine. A blocking
//     violation adds a Failure entry and the task is not verified or
//     executed. Warnings add Alert entries.
//  2. Verify: a read-only preflight whose entries are advisory.
//  3. Execute: the install or uninstall is applied and committed.
//
// When a history store is configured every run, task result and outcome
// entry is recorded, together with audit entries for run start, run
// completion and blocked tasks.
//
// Hosts maps the hosts section of a task file onto a topology accessor,
// reaching each host's config document on the local disk or over SFTP:
//
//	hosts := runner.NewHosts()
//	defer hosts.Close()
//	if err := hosts.Resolve(file, nil); err != nil {
//		return err
//	}
//	r, err := runner.New(runner.Options{Accessor: hosts.Accessor(), Store: store})
//	if err != nil {
//		return err
//	}
//	report, err := r.Run(ctx, file)
package runner
