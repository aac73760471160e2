package ingestion

import "github.com/kernelci/kcidb-ingester/pkg/common/config"

// StandardizeTreeNames rewrites tree_name on every checkout whose
// git_repository_url is a known tree. Unknown URLs are left alone.
func StandardizeTreeNames(doc Document, trees config.TreeNames) {
	if len(trees) == 0 {
		return
	}
	checkouts, _ := doc["checkouts"].([]interface{})
	for _, item := range checkouts {
		checkout, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := checkout["git_repository_url"].(string)
		if name, known := trees[url]; known {
			checkout["tree_name"] = name
		}
	}
}
