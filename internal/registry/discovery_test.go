package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

func service(name, namespace string, labels map[string]string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec:       corev1.ServiceSpec{Ports: []corev1.ServicePort{{Port: port}}},
	}
}

func TestKubernetesDiscovererBuildsClusterURLs(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		service("highlighter", "gh", map[string]string{"preprocessing": "true"}, 8080),
		service("collapser", "gh", map[string]string{"preprocessing": "true"}, 3000),
		service("unrelated", "gh", map[string]string{"other": "true"}, 80),
	)
	disc := NewKubernetesDiscovererWithClient(clientset, "gh", nil)

	urls, err := disc.ListByLabel(context.Background(), "preprocessing=true")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"http://highlighter.gh.svc.cluster.local:8080",
		"http://collapser.gh.svc.cluster.local:3000",
	}, urls)
}

func TestKubernetesDiscovererDefaultsToPort80(t *testing.T) {
	svc := service("bare", "gh", map[string]string{"focusing": "true"}, 0)
	svc.Spec.Ports = nil
	disc := NewKubernetesDiscovererWithClient(fake.NewSimpleClientset(svc), "gh", nil)

	urls, err := disc.ListByLabel(context.Background(), "focusing=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://bare.gh.svc.cluster.local:80"}, urls)
}

// fakeContainerAPI stubs the one method the discoverer calls.
type fakeContainerAPI struct {
	client.ContainerAPIClient
	summaries []container.Summary
}

func (f *fakeContainerAPI) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.summaries, nil
}

func TestDockerDiscovererPrefersPublishedPorts(t *testing.T) {
	disc := NewDockerDiscovererWithClient(&fakeContainerAPI{summaries: []container.Summary{
		{
			Names: []string{"/highlighter"},
			Ports: []container.Port{{PrivatePort: 3000, PublicPort: 9001}},
		},
		{
			Names: []string{"/collapser"},
			Ports: []container.Port{{PrivatePort: 3000}},
		},
		{Names: []string{"/portless"}},
	}}, nil)

	urls, err := disc.ListByLabel(context.Background(), "preprocessing=true")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://localhost:9001",
		"http://collapser:3000",
	}, urls, "published port wins, otherwise container name; portless containers are skipped")
}
