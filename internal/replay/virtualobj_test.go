package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func testRoot() *unstructured.Unstructured {
	root := buildSimulationRoot("sim-test-root", "sim-test")
	root.SetUID("root-uid")
	return root
}

func TestBuildVirtualObject(t *testing.T) {
	obj := testDeployment("default", "web")
	require.NoError(t, unstructured.SetNestedField(obj.Object, map[string]interface{}{"replicas": int64(3)}, "status"))
	containers := []interface{}{map[string]interface{}{
		"name":  "main",
		"image": "nginx:1.27",
		"ports": []interface{}{map[string]interface{}{"containerPort": int64(8080)}},
	}}
	require.NoError(t, unstructured.SetNestedSlice(obj.Object, containers, "spec", "template", "spec", "containers"))

	vobj, err := buildVirtualObject(testTrackerConfig(), testRoot(), "sim-test", "default", "virt-default", obj)
	require.NoError(t, err)

	assert.Equal(t, "virt-default", vobj.GetNamespace())
	assert.Equal(t, "sim-test", vobj.GetLabels()[simulationLabelKey])
	assert.Equal(t, "true", vobj.GetLabels()[VirtualLabelKey])

	_, hasStatus, _ := unstructured.NestedMap(vobj.Object, "status")
	assert.False(t, hasStatus)

	refs := vobj.GetOwnerReferences()
	require.Len(t, refs, 1)
	assert.Equal(t, "SimulationRoot", refs[0].Kind)
	assert.Equal(t, "sim-test-root", refs[0].Name)
	require.NotNil(t, refs[0].BlockOwnerDeletion)
	assert.True(t, *refs[0].BlockOwnerDeletion)

	annotations, _, _ := unstructured.NestedStringMap(vobj.Object, "spec", "template", "metadata", "annotations")
	assert.Equal(t, "default", annotations[OriginalNamespaceAnnotationKey])

	got, _, _ := unstructured.NestedSlice(vobj.Object, "spec", "template", "spec", "containers")
	require.Len(t, got, 1)
	_, hasPorts := got[0].(map[string]interface{})["ports"]
	assert.False(t, hasPorts, "container ports must be stripped before apply")

	// Source object is untouched.
	srcContainers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	_, srcHasPorts := srcContainers[0].(map[string]interface{})["ports"]
	assert.True(t, srcHasPorts)
}

func TestVirtualNamespaceName(t *testing.T) {
	assert.Equal(t, "virt-default", virtualNamespaceName("virt", "default"))
}

func TestBuildVirtualNamespace(t *testing.T) {
	ns := buildVirtualNamespace(testRoot(), "sim-test", "virt-default")
	assert.Equal(t, "virt-default", ns.GetName())
	assert.Equal(t, "sim-test", ns.GetLabels()[simulationLabelKey])
	assert.Equal(t, "true", ns.GetLabels()[VirtualLabelKey])
	require.Len(t, ns.GetOwnerReferences(), 1)
	assert.Equal(t, "sim-test-root", ns.GetOwnerReferences()[0].Name)
}
