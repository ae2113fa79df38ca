package resource

// Metadata keys written on every managed custom resource.
const (
	OwnerLabel = "ai-pipeline.org/config-repo"

	AnnotationFilePath    = "ai-pipeline.org/config-file-path"
	AnnotationRepoURL     = "ai-pipeline.org/config-file-repo"
	AnnotationBranch      = "ai-pipeline.org/config-file-branch"
	AnnotationSpecVersion = "ai-pipeline.org/spec-version"
	AnnotationEnvType     = "ai-pipeline.org/env-type"

	AnnotationWorkspaceNamespace = "ai-pipeline.org/workspace-namespace"
)

// ManagedAnnotations lists the annotation keys crsyncd owns. Other annotations
// on a live resource are left alone.
var ManagedAnnotations = []string{
	AnnotationFilePath,
	AnnotationRepoURL,
	AnnotationBranch,
	AnnotationSpecVersion,
	AnnotationEnvType,
	AnnotationWorkspaceNamespace,
}

// Annotations renders the managed annotations for an entity declared in repo.
func Annotations(repo RepositoryRef, e DesiredEntity) map[string]string {
	a := map[string]string{
		AnnotationFilePath: e.SourceFile,
		AnnotationRepoURL:  repo.URL,
		AnnotationBranch:   repo.Branch,
	}
	if e.SpecVersion != "" {
		a[AnnotationSpecVersion] = e.SpecVersion
	}
	if repo.EnvType != "" {
		a[AnnotationEnvType] = repo.EnvType
	}
	if repo.WorkspaceNamespace != "" {
		a[AnnotationWorkspaceNamespace] = repo.WorkspaceNamespace
	}
	return a
}

// Render builds the LiveResource a desired entity should converge to.
func Render(repo RepositoryRef, e DesiredEntity) LiveResource {
	return LiveResource{
		Kind:        e.Kind,
		Identity:    e.Identity,
		Spec:        e.Spec,
		Owner:       repo.Name,
		Annotations: Annotations(repo, e),
	}
}
