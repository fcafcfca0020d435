// Package config loads the equiplace workspace and equipment catalog.
//
// # Workspace
//
// The workspace file (equiplace.yaml) is YAML decoded over DefaultWorkspace and
// checked with validator struct tags plus a few cross-field rules. Relative paths
// are resolved against the directory holding the file.
//
//	paths:
//	  projects_root: projects
//	  staging_root: staging
//	catalog: catalog.cue
//	repository:
//	  type: local
//	  root: vault
//	authoring:
//	  type: sim
//
// # Catalog
//
// The equipment catalog is a CUE file unified with the built-in #Catalog schema:
//
//	equipment: [{
//	    canonical_name:  "Angular Filter"
//	    display_name:    "Angular Filter"
//	    repository_path: "$/Library/Equipment/Angular Filter"
//	    descriptor:      "Angular Filter.ipj"
//	    assembly:        "Angular Filter.iam"
//	}]
//
// Schema failures carry file, line and column. Entries without a descriptor or
// assembly load with a warning; they fail only when someone tries to place them.
//
// # Project numbers
//
// ProjectNumberScript compiles a Starlark script once, then runs it per module
// with project, reference and module predeclared and reads back project_number.
// Scripts can use pad(value, width) and upper(s). A broken script fails workspace
// validation; a run is cancelled after a timeout.
//
// # Watching
//
// CatalogWatcher uses fsnotify on the catalog's directory and re-parses the file
// after a short debounce.
package config
