package registry

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

// KubernetesDiscoverer lists labelled Services in the pod's namespace and
// derives cluster-local DNS URLs from them.
type KubernetesDiscoverer struct {
	client    kubernetes.Interface
	namespace string
	logger    logging.Logger
}

// NewKubernetesDiscoverer builds a discoverer from the in-cluster config.
func NewKubernetesDiscoverer(namespace string, logger logging.Logger) (*KubernetesDiscoverer, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewKubernetesDiscovererWithClient(client, namespace, logger), nil
}

// NewKubernetesDiscovererWithClient wires an existing clientset; tests pass
// the fake clientset here.
func NewKubernetesDiscovererWithClient(client kubernetes.Interface, namespace string, logger logging.Logger) *KubernetesDiscoverer {
	return &KubernetesDiscoverer{
		client:    client,
		namespace: namespace,
		logger:    logging.OrNop(logger),
	}
}

func (d *KubernetesDiscoverer) ListByLabel(ctx context.Context, selector string) ([]string, error) {
	services, err := d.client.CoreV1().Services(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("list services by label %q: %w", selector, err)
	}
	urls := make([]string, 0, len(services.Items))
	for _, svc := range services.Items {
		port := int32(80)
		if len(svc.Spec.Ports) > 0 {
			port = svc.Spec.Ports[0].Port
		}
		urls = append(urls, fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", svc.Name, d.namespace, port))
	}
	d.logger.Debug("discovered %d services for selector %q", len(urls), selector)
	return urls, nil
}
