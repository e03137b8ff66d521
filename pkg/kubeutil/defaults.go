// Package kubeutil connects to the Kubernetes cluster which hosts
// kubernetes-provided blocks.
package kubeutil

import (
	xe "github.com/opst/chiltepin/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Cluster selects a cluster the way kubectl does.
type Cluster struct {
	// Kubeconfig is the path of a kubeconfig file. When empty, $KUBECONFIG
	// and then ~/.kube/config are read.
	Kubeconfig string

	// Context in the kubeconfig. When empty, the current context is used.
	Context string
}

// Config makes the client config of the cluster.
//
// When no kubeconfig is found and neither Kubeconfig nor Context is given,
// the in-cluster config is used.
func (c Cluster) Config() (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = c.Kubeconfig
	overrides := &clientcmd.ConfigOverrides{CurrentContext: c.Context}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err == nil {
		return config, nil
	}
	if clientcmd.IsEmptyConfig(err) && c.Kubeconfig == "" && c.Context == "" {
		if config, ierr := rest.InClusterConfig(); ierr == nil {
			return config, nil
		}
	}
	return nil, xe.Kinded(xe.ErrConfigParse, "kubernetes config: %s", err)
}

// Connect makes a clientset for the cluster.
func (c Cluster) Connect() (kubernetes.Interface, error) {
	config, err := c.Config()
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return clientset, nil
}
