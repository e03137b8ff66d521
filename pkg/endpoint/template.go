package endpoint

// userConfigTemplate is written as user_config_template.yaml.j2.
//
// The agent renders it with variables sent by each user task, so that
// one endpoint can serve single-process and MPI work on any provider.
const userConfigTemplate = `# User endpoint configuration, rendered by the endpoint agent for each
# user process. Variables come from the client submitting tasks.

debug: True

endpoint_setup: {{ endpoint_setup|default() }}

engine:
  {% if mpi %}
  type: GlobusMPIEngine
  max_workers_per_block: {{ max_mpi_apps|default(1) }}
  {% if provider == '"slurm"' %}
  {% set default_mpi_launcher = "srun" %}
  {% else %}
  {% set default_mpi_launcher = "mpiexec" %}
  {% endif %}
  mpi_launcher: {{ mpi_launcher|default(default_mpi_launcher) }}
  {% else %}
  type: GlobusComputeEngine
  {% endif %}
  run_in_sandbox: True

  provider:
    {% if provider == '"slurm"' %}
    type: SlurmProvider
    {% elif provider == '"pbspro"' %}
    type: PBSProProvider
    {% else %}
    type: LocalProvider
    {% endif %}
    launcher:
      {% if mpi %}
      type: SimpleLauncher
      {% elif provider == '"slurm"' %}
      type: SrunLauncher
      {% elif provider == '"pbspro"' %}
      type: MpiExecLauncher
      {% else %}
      type: SingleNodeLauncher
      {% endif %}

    init_blocks: {{ init_blocks|default(0) }}
    min_blocks: {{ min_blocks|default(0) }}
    max_blocks: {{ max_blocks|default(1) }}
    worker_init: {{ worker_init|default() }}

    {% if provider != '"localhost"' %}
    {% if not mpi %}
    {% if provider == '"slurm"' %}
    cores_per_node: {{ cores_per_node|default(1) }}
    {% elif provider == '"pbspro"' %}
    cpus_per_node: {{ cores_per_node|default(1) }}
    {% endif %}
    {% endif %}
    nodes_per_block: {{ nodes_per_block|default(1) }}
    {% if provider == '"slurm"' %}
    exclusive: {{ exclusive|default("True") }}
    partition: {{ partition|default() }}
    qos: {{ queue|default() }}
    {% elif provider == '"pbspro"' %}
    queue: {{ queue|default() }}
    {% endif %}
    account: {{ account|default() }}
    walltime: {{ walltime|default("00:10:00") }}
    {% endif %}

# heartbeats are 30s apart: idle for 1 hour, or stuck for 48 hours.
idle_heartbeats_soft: 120
idle_heartbeats_hard: 5760
`
