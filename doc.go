// Package staticimp is the composition root of staticimp, a service that
// commits user submitted entries (comments, form posts) to git repositories.
//
// It connects the core submission pipeline with the backend adapters
// (GitLab, a local git repository, an in-memory recorder) using the
// Hexagonal Architecture pattern.
//
// A submission goes through:
//
//   - Field rules: unknown and missing fields are rejected, generated fields
//     are rendered from placeholders and transforms (slugify, md5, sha256,
//     base85) are applied.
//   - Placement: path, filename, branch and commit message templates are
//     rendered with the resolved fields.
//   - Commit: either directly to the target branch, or on a review branch
//     followed by a merge request.
//
// Secrets in the config file are sealed with the vault public key and only
// decrypted in memory.
//
// Usage:
//
//	svc, err := staticimp.New("staticimp.yml", staticimp.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	res, err := svc.Submit(ctx, staticimp.Submission{
//		Backend: "gitlab", Project: "blog/site", Branch: "main",
//		EntryType: "comment", Fields: map[string]any{"name": "Ada"},
//	})
package staticimp
