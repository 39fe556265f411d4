package k8s

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Client bundles a clientset with the REST config it was built from. Pod
// exec needs both.
type Client struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
}

// NewClient creates a Kubernetes client. An empty kubeconfig path means
// in-cluster config, then KUBECONFIG, then ~/.kube/config.
func NewClient(kubeconfig string) (*Client, error) {
	config, err := GetConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &Client{Clientset: clientset, Config: config}, nil
}

// GetConfig returns a Kubernetes REST config
// Priority: explicit path > in-cluster config > KUBECONFIG env > ~/.kube/config
func GetConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig from %s: %w", kubeconfig, err)
	}
	return config, nil
}
